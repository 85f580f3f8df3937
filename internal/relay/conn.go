package relay

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/gorilla/websocket"
)

// Conn is an established upstream connection. ReadMessage is called from a
// single reader goroutine; WriteMessage and Close are safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials relays with gorilla/websocket.
type WSDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	MaxFrameSize     int64
	Header           http.Header
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		EnableCompression: true,
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.NetworkError("dial", err)
	}

	if d.MaxFrameSize > 0 {
		ws.SetReadLimit(d.MaxFrameSize)
	}

	c := &wsConn{
		ws:           ws,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	if d.PingInterval > 0 {
		c.keepAlive(d.PingInterval)
	}
	return c, nil
}

// wsConn serialises writes on a gorilla connection and keeps it alive with
// pings. A peer that stops answering for two ping intervals is cut off by
// the read deadline.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu  sync.Mutex
	closeMu  sync.Once
	isClosed atomic.Bool
	done     chan struct{}
}

func (c *wsConn) keepAlive(interval time.Duration) {
	deadline := func() { _ = c.ws.SetReadDeadline(time.Now().Add(2 * interval)) }
	deadline()
	c.ws.SetPongHandler(func(string) error {
		deadline()
		return nil
	})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout()))
				c.writeMu.Unlock()
				if err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()
}

func (c *wsConn) timeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return 10 * time.Second
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	if c.isClosed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout()))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and releases the socket. Safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeMu.Do(func() {
		c.isClosed.Store(true)
		close(c.done)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}
