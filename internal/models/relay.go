package models

import "time"

// RelayStatus is the connection state of an upstream relay.
type RelayStatus string

const (
	StatusDisconnected RelayStatus = "disconnected"
	StatusConnecting   RelayStatus = "connecting"
	StatusConnected    RelayStatus = "connected"
	StatusError        RelayStatus = "error"
)

// RelayRecord is the stored view of an upstream relay.
type RelayRecord struct {
	ID            int64       `json:"id"`
	URL           string      `json:"url"`                     // Example: "wss://relay.damus.io"
	Status        RelayStatus `json:"status"`                  // Last known connection state
	Latency       *int64      `json:"latency"`                 // Dial round-trip in ms, nil until first connect
	LastConnected *time.Time  `json:"lastConnected,omitempty"` // Last transition into connected
}

// RelayStatusSnapshot is the read-only projection pushed to clients.
type RelayStatusSnapshot struct {
	URL           string      `json:"url"`
	Status        RelayStatus `json:"status"`
	Latency       *int64      `json:"latency,omitempty"`
	LastPing      int64       `json:"lastPing,omitempty"` // unix ms of the last status change
	Subscriptions []string    `json:"subscriptions,omitempty"`
}
