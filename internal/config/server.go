package config

import "time"

// ServerConfig holds the downstream HTTP / websocket settings.
type ServerConfig struct {
	ListenAddr       string          `mapstructure:"LISTEN_ADDR"        json:"listen_addr"        validate:"required,wsaddr"`
	WriteTimeout     time.Duration   `mapstructure:"WRITE_TIMEOUT"      json:"write_timeout"      validate:"required,timeout_duration"`
	IdleTimeout      time.Duration   `mapstructure:"IDLE_TIMEOUT"       json:"idle_timeout"       validate:"required,reasonable_duration"`
	PingInterval     time.Duration   `mapstructure:"PING_INTERVAL"      json:"ping_interval"      validate:"required,timeout_duration"`
	ShutdownTimeout  time.Duration   `mapstructure:"SHUTDOWN_TIMEOUT"   json:"shutdown_timeout"   validate:"required,timeout_duration"`
	ClientSendBuffer int             `mapstructure:"CLIENT_SEND_BUFFER" json:"client_send_buffer" validate:"required,min=1,max=65536"`
	MaxMessageSize   int64           `mapstructure:"MAX_MESSAGE_SIZE"   json:"max_message_size"   validate:"required,min=1024,max=33554432"`
	MaxQueryLimit    int             `mapstructure:"MAX_QUERY_LIMIT"    json:"max_query_limit"    validate:"required,min=1,max=10000"`
	RateLimit        ClientRateLimit `mapstructure:"RATE_LIMIT"         json:"rate_limit"`
	ConnectionLimit  ConnectionLimit `mapstructure:"CONNECTION_LIMIT"   json:"connection_limit"`
}

// ClientRateLimit bounds how many control frames a single session may send.
type ClientRateLimit struct {
	Enabled         bool    `mapstructure:"ENABLED"           json:"enabled"`
	FramesPerSecond float64 `mapstructure:"FRAMES_PER_SECOND" json:"frames_per_second" validate:"min=0,max=10000"`
	BurstSize       int     `mapstructure:"BURST_SIZE"        json:"burst_size"        validate:"min=0,max=1000"`
}

// ConnectionLimit bounds how often one IP may open new sessions.
type ConnectionLimit struct {
	Enabled      bool          `mapstructure:"ENABLED"       json:"enabled"`
	PerMinute    int           `mapstructure:"PER_MINUTE"    json:"per_minute"    validate:"min=0,max=100000"`
	BurstSize    int           `mapstructure:"BURST_SIZE"    json:"burst_size"    validate:"min=0,max=10000"`
	BanThreshold int           `mapstructure:"BAN_THRESHOLD" json:"ban_threshold" validate:"min=0,max=1000"`
	BanDuration  time.Duration `mapstructure:"BAN_DURATION"  json:"ban_duration"`
}
