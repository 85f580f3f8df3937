package application

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/calvadev/nostrpow/internal/broadcast"
	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/health"
	"github.com/calvadev/nostrpow/internal/ingest"
	"github.com/calvadev/nostrpow/internal/limiter"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/relay"
	"github.com/calvadev/nostrpow/internal/storage"
	"github.com/calvadev/nostrpow/internal/web"
	"go.uber.org/zap"
)

// Node owns every component of the aggregator and their lifetimes.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	config     *config.Config
	Store      *storage.Store
	Dispatcher *broadcast.Dispatcher
	Processor  *ingest.Processor
	Pool       *relay.Pool
	Health     *health.HealthChecker

	server      *web.Server
	connLimiter *limiter.RateLimiter

	addr      net.Addr
	errCh     chan error
	wg        sync.WaitGroup
	startTime time.Time
}

// New creates and configures a Node using the NodeBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	return build(NewNodeBuilder(ctx, cfg))
}

func build(builder *NodeBuilder) (*Node, error) {
	// Order matters: each step wires the ones before it.
	builder.BuildStore()
	builder.BuildBroadcaster()
	builder.BuildProcessor()
	builder.BuildPool()
	builder.BuildServer()

	node, err := builder.Build()
	if err != nil {
		builder.cancel()
		return nil, fmt.Errorf("failed to build node: %w", err)
	}
	return node, nil
}

// Start binds the listeners, connects the default relays and serves until
// Shutdown. Listener errors are returned synchronously; later serve errors
// arrive on Errors().
func (n *Node) Start(ctx context.Context) error {
	n.startTime = time.Now()
	n.errCh = make(chan error, 2)

	ln, err := net.Listen("tcp", n.config.Server.ListenAddr)
	if err != nil {
		return errors.NetworkError("listen", err)
	}
	n.addr = ln.Addr()

	var metricsLn net.Listener
	if n.config.Metrics.Enabled {
		metricsLn, err = net.Listen("tcp", fmt.Sprintf(":%d", n.config.Metrics.Port))
		if err != nil {
			_ = ln.Close()
			return errors.NetworkError("listen metrics", err)
		}
	}

	n.serve("http", func() error { return n.server.Serve(n.ctx, ln) })
	if metricsLn != nil {
		n.serve("metrics", func() error { return web.ServeMetrics(n.ctx, metricsLn, n.config.Metrics.Path) })
	}
	if n.connLimiter != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.connLimiter.RunCleanup(n.ctx.Done(), 10*time.Minute)
		}()
	}

	if err := n.Pool.Start(ctx); err != nil {
		return err
	}

	logger.Info("Node started",
		zap.String("listen", n.addr.String()),
		zap.Bool("metrics", n.config.Metrics.Enabled),
		zap.Int("relays", len(n.Pool.Statuses())))
	return nil
}

func (n *Node) serve(name string, run func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := run(); err != nil {
			logger.Error("Server error", zap.String("server", name), zap.Error(err))
			select {
			case n.errCh <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
		}
	}()
}

// Shutdown stops accepting clients, closes every upstream connection,
// drains the ingest workers and waits for the servers to exit.
func (n *Node) Shutdown() {
	logger.Info("Initiating graceful shutdown...")
	shutdownTimeout := n.config.Server.ShutdownTimeout

	// Cancelling the node context stops the HTTP servers and ends every session.
	n.cancel()

	logger.Debug("Closing relay pool...")
	n.Pool.Close()

	logger.Debug("Shutting down ingest processor...")
	n.Processor.Shutdown()

	n.Dispatcher.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("Node shutdown completed successfully",
			zap.Int("notes", n.Store.NoteCount()),
			zap.Duration("uptime", time.Since(n.startTime)))
	case <-time.After(shutdownTimeout):
		logger.Warn("Node shutdown timed out", zap.Duration("timeout", shutdownTimeout))
	}
}
