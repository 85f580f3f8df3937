package web

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewMetricsHandler serves the default Prometheus registry at path.
func NewMetricsHandler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return mux
}

// ServeMetrics runs the metrics endpoint on its own listener until ctx ends.
func ServeMetrics(ctx context.Context, ln net.Listener, path string) error {
	log := logger.New("metrics")
	srv := &http.Server{
		Handler:           NewMetricsHandler(path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Metrics server listening", zap.String("address", ln.Addr().String()), zap.String("path", path))
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
