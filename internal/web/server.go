package web

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// ServerConfig sizes the HTTP surface.
type ServerConfig struct {
	StatsSample     int
	MaxQueryLimit   int
	ShutdownTimeout time.Duration
}

// Server routes the websocket endpoint, the pull API and the health check.
type Server struct {
	cfg           ServerConfig
	statsSample   int
	maxQueryLimit int

	sessions http.Handler
	health   http.HandlerFunc
	notes    NoteReader
	relays   RelayManager

	validation *InputValidation
	headers    *SecurityHeaders
	cors       *cors.Cors
	errs       *errors.ErrorMiddleware
	log        *zap.Logger
}

// NewServer wires the handlers. sessions serves /ws and health serves /health.
func NewServer(cfg ServerConfig, sessions http.Handler, health http.HandlerFunc, notes NoteReader, relays RelayManager) *Server {
	apiCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	return &Server{
		cfg:           cfg,
		statsSample:   cfg.StatsSample,
		maxQueryLimit: cfg.MaxQueryLimit,
		sessions:      sessions,
		health:        health,
		notes:         notes,
		relays:        relays,
		validation:    APIInputValidation(),
		headers:       APISecurityHeaders(),
		cors:          apiCORS,
		errs:          errors.NewErrorMiddleware(),
		log:           logger.New("web"),
	}
}

// Handler returns the root handler with recovery applied.
func (s *Server) Handler() http.Handler {
	return s.errs.RecoveryMiddleware(http.HandlerFunc(s.route))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}()

	switch r.URL.Path {
	case "/ws":
		metrics.HTTPRequests.WithLabelValues("/ws").Inc()
		s.sessions.ServeHTTP(w, r)
	case "/health":
		metrics.HTTPRequests.WithLabelValues("/health").Inc()
		s.health(w, r)
	case "/api/notes":
		metrics.HTTPRequests.WithLabelValues("/api/notes").Inc()
		s.api(s.HandleNotes)(w, r)
	case "/api/relays":
		metrics.HTTPRequests.WithLabelValues("/api/relays").Inc()
		s.api(s.HandleRelays)(w, r)
	case "/api/stats":
		metrics.HTTPRequests.WithLabelValues("/api/stats").Inc()
		s.api(s.HandleStats)(w, r)
	default:
		metrics.HTTPRequests.WithLabelValues("other").Inc()
		s.log.Debug("Unknown request path",
			zap.String("path", r.URL.Path),
			zap.String("client_ip", r.RemoteAddr),
			zap.String("user_agent", r.Header.Get("User-Agent")))
		http.NotFound(w, r)
	}
}

func (s *Server) api(h http.HandlerFunc) http.HandlerFunc {
	return s.cors.Handler(SecurityHandlerFunc(s.headers, ValidatedHandlerFunc(s.validation, h))).ServeHTTP
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	shutdownTimeout := s.cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	s.log.Info("HTTP server listening", zap.String("address", ln.Addr().String()))
	if err := httpSrv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
