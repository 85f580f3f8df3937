package session

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/limiter"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/sebest/xff"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to client sessions.
type Handler struct {
	ctx      context.Context
	upgrader websocket.Upgrader
	relays   RelayController
	notes    NoteQuerier
	hub      Hub
	cfg      Config
	conns    *limiter.RateLimiter
	errs     *errors.ErrorMiddleware
	log      *zap.Logger
}

// NewHandler creates a websocket handler. Sessions end when ctx is cancelled.
func NewHandler(ctx context.Context, relays RelayController, notes NoteQuerier, hub Hub, cfg Config) *Handler {
	return &Handler{
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
		relays: relays,
		notes:  notes,
		hub:    hub,
		cfg:    cfg,
		errs:   errors.NewErrorMiddleware(),
		log:    logger.New("session_handler"),
	}
}

// WithConnectionLimiter rejects upgrades from IPs that open sessions too
// often. A nil limiter disables the check.
func (h *Handler) WithConnectionLimiter(l *limiter.RateLimiter) *Handler {
	h.conns = l
	return h
}

// ServeHTTP upgrades the request and serves the session until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		h.errs.HandleError(w, r, errors.ValidationError("WEBSOCKET_REQUIRED", "This endpoint only accepts websocket connections."))
		return
	}

	clientIP := extractRealClientIP(r)
	if !h.conns.Allow(clientIP) {
		h.errs.HandleError(w, r, errors.RateLimitError("connections"))
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Debug("WebSocket upgrade failed", zap.String("client_ip", clientIP), zap.Error(err))
		return
	}

	s := New(ws, clientIP, h.relays, h.notes, h.hub, h.cfg)
	h.log.Debug("WebSocket connection established",
		zap.String("client_ip", clientIP),
		zap.String("client_id", s.ID()),
		zap.String("user_agent", r.Header.Get("User-Agent")))
	s.Run(h.ctx)
}

// extractRealClientIP prefers X-Real-IP, then the first public address in
// X-Forwarded-For, then the socket address.
func extractRealClientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	return normalizeIP(xff.GetRemoteAddr(r))
}

// normalizeIP strips the port and unwraps IPv4-mapped IPv6 addresses.
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}
	return host
}
