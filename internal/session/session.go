package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayController is the part of the relay pool a session drives.
type RelayController interface {
	AddRelay(url string) error
	RemoveRelay(url string) error
	// SendStatusTo calls deliver with the current snapshot, ordered with
	// respect to status broadcasts.
	SendStatusTo(deliver func([]models.RelayStatusSnapshot))
}

// NoteQuerier answers get_notes.
type NoteQuerier interface {
	Query(q models.NoteQuery) []models.Note
}

// Hub is the broadcaster a session registers with.
type Hub interface {
	Register(clientID string, onOverflow func()) <-chan []byte
	Unregister(clientID string)
	SendTo(clientID string, msg models.ServerMessage) bool
}

// Config holds per-session limits.
type Config struct {
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	MaxQueryLimit  int
	RateLimit      config.ClientRateLimit
}

// Session is one downstream websocket client. All writes go through the
// write pump, which drains the queue the hub hands out on Register.
type Session struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	startTime  time.Time

	relays RelayController
	notes  NoteQuerier
	hub    Hub
	cfg    Config

	limiter *rate.Limiter
	send    <-chan []byte

	writeMu     sync.Mutex
	closeMu     sync.Once
	isClosed    atomic.Bool
	done        chan struct{}
	reasonMu    sync.Mutex
	closeReason string

	log *zap.Logger
}

// New wraps an upgraded websocket.
func New(ws *websocket.Conn, remoteAddr string, relays RelayController, notes NoteQuerier, hub Hub, cfg Config) *Session {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= cfg.PingInterval {
		cfg.IdleTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled && cfg.RateLimit.FramesPerSecond > 0 {
		burst := cfg.RateLimit.BurstSize
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.FramesPerSecond), burst)
	}

	id := uuid.NewString()
	return &Session{
		id:         id,
		ws:         ws,
		remoteAddr: remoteAddr,
		startTime:  time.Now(),
		relays:     relays,
		notes:      notes,
		hub:        hub,
		cfg:        cfg,
		limiter:    limiter,
		done:       make(chan struct{}),
		log:        logger.New("session").With(zap.String("client_id", id), zap.String("client", remoteAddr)),
	}
}

// ID returns the generated client id.
func (s *Session) ID() string { return s.id }

// Run registers the session, sends the current relay statuses and serves
// control frames until the socket closes or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	metrics.IncrementClientSessions()
	defer metrics.DecrementClientSessions()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Recovered from panic in session", zap.Any("panic", r))
		}
		s.closeWith("message handler terminated")
	}()

	// the hub calls onOverflow from a broadcasting goroutine; never block it
	s.send = s.hub.Register(s.id, func() { go s.closeWith("send buffer overflow") })
	s.relays.SendStatusTo(func(statuses []models.RelayStatusSnapshot) {
		s.hub.SendTo(s.id, models.ServerMessage{Type: models.MessageRelayStatus, Data: statuses})
	})

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.closeWith("server shutting down")
		case <-s.done:
		}
	}()

	s.log.Debug("Client session started")
	s.readLoop()
}

func (s *Session) readLoop() {
	if s.cfg.MaxMessageSize > 0 {
		s.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			if errors.IsCleanClose(err) {
				s.setReason("client closed connection")
			} else if !s.isClosed.Load() {
				s.setReason("read error")
				s.log.Debug("WS read error, disconnecting client", zap.Error(err))
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		s.handleFrame(raw)
	}
}

func (s *Session) handleFrame(raw []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.ControlFrames.WithLabelValues("rate_limited").Inc()
		s.replyError(errors.RateLimitError("control frames"))
		return
	}

	var f models.ControlFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		metrics.ControlFrames.WithLabelValues("unknown").Inc()
		s.replyError(errors.InvalidControlFrameError("malformed JSON"))
		return
	}

	switch f.Type {
	case models.FrameAddRelay:
		metrics.ControlFrames.WithLabelValues(f.Type).Inc()
		if f.URL == "" {
			s.replyError(errors.InvalidControlFrameError("url is required"))
			return
		}
		if err := s.relays.AddRelay(f.URL); err != nil {
			s.replyError(err)
		}

	case models.FrameRemoveRelay:
		metrics.ControlFrames.WithLabelValues(f.Type).Inc()
		if f.URL == "" {
			s.replyError(errors.InvalidControlFrameError("url is required"))
			return
		}
		if err := s.relays.RemoveRelay(f.URL); err != nil {
			s.replyError(err)
		}

	case models.FrameGetNotes:
		metrics.ControlFrames.WithLabelValues(f.Type).Inc()
		q := f.Query()
		if s.cfg.MaxQueryLimit > 0 && q.Limit > s.cfg.MaxQueryLimit {
			q.Limit = s.cfg.MaxQueryLimit
		}
		s.hub.SendTo(s.id, models.ServerMessage{Type: models.MessageNotesResponse, Data: s.notes.Query(q)})

	default:
		metrics.ControlFrames.WithLabelValues("unknown").Inc()
		s.replyError(errors.InvalidControlFrameError("unknown message type"))
	}
}

// replyError sends an error frame to this session only.
func (s *Session) replyError(err error) {
	msg := err.Error()
	if appErr, ok := errors.As(err); ok {
		msg = appErr.UserFacing()
		metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()
	}
	s.hub.SendTo(s.id, models.ErrorMessage(msg))
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.send:
			if !ok {
				s.closeWith("unregistered")
				return
			}
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.log.Debug("Failed to write message", zap.Error(err))
				s.closeWith("write error")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, []byte("keepalive")); err != nil {
				s.closeWith("ping failed")
				return
			}
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed.Load() {
		return websocket.ErrCloseSent
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	if messageType == websocket.PingMessage {
		return s.ws.WriteControl(messageType, data, deadline)
	}
	_ = s.ws.SetWriteDeadline(deadline)
	return s.ws.WriteMessage(messageType, data)
}

func (s *Session) setReason(reason string) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
}

func (s *Session) closeWith(reason string) {
	s.setReason(reason)
	s.Close()
}

// Close unregisters the session from the hub and closes the socket.
func (s *Session) Close() {
	s.closeMu.Do(func() {
		s.isClosed.Store(true)
		close(s.done)
		s.hub.Unregister(s.id)

		s.reasonMu.Lock()
		reason := s.closeReason
		s.reasonMu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		s.writeMu.Lock()
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.ws.Close()

		s.log.Debug("WebSocket connection closed",
			zap.String("reason", reason),
			zap.Duration("connection_duration", time.Since(s.startTime)))
	})
}
