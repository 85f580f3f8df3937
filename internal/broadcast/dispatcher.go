package broadcast

import (
	"sync"

	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const defaultClientBuffer = 256

type client struct {
	id         string
	send       chan []byte
	onOverflow func()
}

// Dispatcher fans server messages out to registered client sessions.
// Every client owns a bounded queue; a client whose queue is full is
// dropped from the registry and told through its overflow callback.
type Dispatcher struct {
	clients      map[string]*client
	clientsMu    sync.RWMutex
	clientBuffer int
	closed       bool
	log          *zap.Logger
}

// NewDispatcher creates a dispatcher whose client queues hold bufferSize messages.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultClientBuffer
	}
	return &Dispatcher{
		clients:      make(map[string]*client),
		clientBuffer: bufferSize,
		log:          logger.New("broadcast"),
	}
}

// Register adds a client and returns its outbound queue. The queue is
// closed when the client is unregistered, overflows, or the dispatcher
// closes. onOverflow may be nil; it is called without locks held.
func (d *Dispatcher) Register(clientID string, onOverflow func()) <-chan []byte {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()

	c := &client{
		id:         clientID,
		send:       make(chan []byte, d.clientBuffer),
		onOverflow: onOverflow,
	}
	if d.closed {
		close(c.send)
		return c.send
	}
	if old, exists := d.clients[clientID]; exists {
		close(old.send)
	}
	d.clients[clientID] = c

	d.log.Debug("Added dispatcher client", zap.String("client_id", clientID))
	return c.send
}

// Unregister removes a client. Unknown ids are ignored.
func (d *Dispatcher) Unregister(clientID string) {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()

	if c, exists := d.clients[clientID]; exists {
		close(c.send)
		delete(d.clients, clientID)
		d.log.Debug("Removed dispatcher client", zap.String("client_id", clientID))
	}
}

// ClientCount returns the number of registered clients.
func (d *Dispatcher) ClientCount() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

// BroadcastNote pushes a new_note message to every client.
func (d *Dispatcher) BroadcastNote(evt *nostr.Event, difficulty int, score float64) {
	d.Broadcast(models.ServerMessage{
		Type: models.MessageNewNote,
		Data: models.NewScoredEvent(evt, difficulty, score),
	})
}

// BroadcastRelayStatus pushes a relay_status message to every client.
func (d *Dispatcher) BroadcastRelayStatus(statuses []models.RelayStatusSnapshot) {
	if statuses == nil {
		statuses = []models.RelayStatusSnapshot{}
	}
	d.Broadcast(models.ServerMessage{Type: models.MessageRelayStatus, Data: statuses})
}

// Broadcast marshals msg once and offers it to every client queue.
func (d *Dispatcher) Broadcast(msg models.ServerMessage) {
	payload, err := msg.Encode()
	if err != nil {
		d.log.Error("Failed to encode broadcast message", zap.String("type", msg.Type), zap.Error(err))
		return
	}

	var overflowed []*client

	d.clientsMu.Lock()
	for id, c := range d.clients {
		select {
		case c.send <- payload:
		default:
			// Client buffer is full, drop the client
			close(c.send)
			delete(d.clients, id)
			overflowed = append(overflowed, c)
		}
	}
	d.clientsMu.Unlock()

	metrics.BroadcastMessages.WithLabelValues(msg.Type).Inc()
	d.notifyOverflow(overflowed)
}

// SendTo offers msg to a single client. It reports whether the message was queued.
func (d *Dispatcher) SendTo(clientID string, msg models.ServerMessage) bool {
	payload, err := msg.Encode()
	if err != nil {
		d.log.Error("Failed to encode message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}

	d.clientsMu.Lock()
	c, exists := d.clients[clientID]
	if !exists {
		d.clientsMu.Unlock()
		return false
	}
	select {
	case c.send <- payload:
		d.clientsMu.Unlock()
		return true
	default:
		close(c.send)
		delete(d.clients, clientID)
		d.clientsMu.Unlock()
		d.notifyOverflow([]*client{c})
		return false
	}
}

func (d *Dispatcher) notifyOverflow(clients []*client) {
	for _, c := range clients {
		metrics.IncrementBroadcastDropped()
		d.log.Warn("Dropped client - send buffer full", zap.String("client_id", c.id))
		if c.onOverflow != nil {
			c.onOverflow()
		}
	}
}

// Close unregisters every client and rejects later registrations.
func (d *Dispatcher) Close() {
	d.clientsMu.Lock()
	defer d.clientsMu.Unlock()

	for id, c := range d.clients {
		close(c.send)
		delete(d.clients, id)
	}
	d.closed = true
	d.log.Info("Dispatcher stopped")
}
