package application

import (
	"net"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
)

// Config returns the node's configuration.
func (n *Node) Config() *config.Config {
	return n.config
}

// Addr returns the bound HTTP address, nil before Start.
func (n *Node) Addr() net.Addr {
	return n.addr
}

// Errors reports servers that stopped unexpectedly.
func (n *Node) Errors() <-chan error {
	return n.errCh
}

// GetConnectionCount returns the number of connected client sessions.
func (n *Node) GetConnectionCount() int {
	return n.Dispatcher.ClientCount()
}

// GetStartTime returns when the node was started.
func (n *Node) GetStartTime() time.Time {
	return n.startTime
}
