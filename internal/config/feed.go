package config

import "time"

// FeedConfig holds the upstream relay pool and ingestion settings.
type FeedConfig struct {
	DefaultRelays  []string           `mapstructure:"DEFAULT_RELAYS"  json:"default_relays"  validate:"omitempty,dive,relayurl"`
	ReconnectDelay time.Duration      `mapstructure:"RECONNECT_DELAY" json:"reconnect_delay" validate:"required,timeout_duration"`
	DialTimeout    time.Duration      `mapstructure:"DIAL_TIMEOUT"    json:"dial_timeout"    validate:"required,timeout_duration"`
	WriteTimeout   time.Duration      `mapstructure:"WRITE_TIMEOUT"   json:"write_timeout"   validate:"required,timeout_duration"`
	PingInterval   time.Duration      `mapstructure:"PING_INTERVAL"   json:"ping_interval"   validate:"required,timeout_duration"`
	MaxFrameSize   int64              `mapstructure:"MAX_FRAME_SIZE"  json:"max_frame_size"  validate:"required,min=1024,max=33554432"`
	StatsSample    int                `mapstructure:"STATS_SAMPLE"    json:"stats_sample"    validate:"required,min=1,max=100000"`
	Subscription   SubscriptionConfig `mapstructure:"SUBSCRIPTION"    json:"subscription"`
	Ingest         IngestConfig       `mapstructure:"INGEST"          json:"ingest"`
}

// SubscriptionConfig shapes the REQ filter sent to every relay.
type SubscriptionConfig struct {
	Kinds []int `mapstructure:"KINDS" json:"kinds" validate:"required,min=1,dive,min=0,max=65535"`
	Limit int   `mapstructure:"LIMIT" json:"limit" validate:"min=0,max=5000"`
}

// IngestConfig sizes the ingestion queue and its workers.
type IngestConfig struct {
	Workers   int `mapstructure:"WORKERS"    json:"workers"    validate:"required,min=1,max=64"`
	QueueSize int `mapstructure:"QUEUE_SIZE" json:"queue_size" validate:"required,min=1,max=1000000"`
}
