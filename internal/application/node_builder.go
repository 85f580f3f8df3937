package application

import (
	"context"
	"fmt"

	"github.com/calvadev/nostrpow/internal/broadcast"
	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/health"
	"github.com/calvadev/nostrpow/internal/ingest"
	"github.com/calvadev/nostrpow/internal/limiter"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/relay"
	"github.com/calvadev/nostrpow/internal/session"
	"github.com/calvadev/nostrpow/internal/storage"
	"github.com/calvadev/nostrpow/internal/web"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// NodeBuilder is used to incrementally construct a Node instance.
type NodeBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config

	store       *storage.Store
	dispatcher  *broadcast.Dispatcher
	processor   *ingest.Processor
	pool        *relay.Pool
	dialer      relay.Dialer
	connLimiter *limiter.RateLimiter
	health      *health.HealthChecker
	server      *web.Server
}

// NewNodeBuilder creates a new NodeBuilder with its own cancelable context.
func NewNodeBuilder(ctx context.Context, cfg *config.Config) *NodeBuilder {
	c, cancel := context.WithCancel(ctx)
	return &NodeBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
	}
}

// WithDialer replaces the websocket dialer used for upstream relays.
func (b *NodeBuilder) WithDialer(d relay.Dialer) *NodeBuilder {
	b.dialer = d
	return b
}

func (b *NodeBuilder) BuildStore() {
	b.store = storage.New()
}

func (b *NodeBuilder) BuildBroadcaster() {
	b.dispatcher = broadcast.NewDispatcher(b.config.Server.ClientSendBuffer)
}

func (b *NodeBuilder) BuildProcessor() {
	feed := b.config.Feed
	b.processor = ingest.NewProcessor(b.ctx, b.store, b.dispatcher, ingest.Config{
		Workers:   feed.Ingest.Workers,
		QueueSize: feed.Ingest.QueueSize,
		Kinds:     feed.Subscription.Kinds,
	})
}

func (b *NodeBuilder) BuildPool() {
	feed := b.config.Feed
	if b.dialer == nil {
		b.dialer = &relay.WSDialer{
			HandshakeTimeout: feed.DialTimeout,
			WriteTimeout:     feed.WriteTimeout,
			PingInterval:     feed.PingInterval,
			MaxFrameSize:     feed.MaxFrameSize,
		}
	}

	filter := nostr.Filter{Kinds: feed.Subscription.Kinds}
	if feed.Subscription.Limit > 0 {
		filter.Limit = feed.Subscription.Limit
	}

	b.pool = relay.NewPool(relay.PoolConfig{
		DefaultRelays:  feed.DefaultRelays,
		ReconnectDelay: feed.ReconnectDelay,
		DialTimeout:    feed.DialTimeout,
		Filter:         filter,
	}, b.dialer, b.store, b.processor, b.dispatcher)
}

func (b *NodeBuilder) BuildServer() {
	srv := b.config.Server
	b.connLimiter = limiter.NewConnectionLimiter(srv.ConnectionLimit)

	sessions := session.NewHandler(b.ctx, b.pool, b.store, b.dispatcher, session.Config{
		PingInterval:   srv.PingInterval,
		IdleTimeout:    srv.IdleTimeout,
		WriteTimeout:   srv.WriteTimeout,
		MaxMessageSize: srv.MaxMessageSize,
		MaxQueryLimit:  srv.MaxQueryLimit,
		RateLimit:      srv.RateLimit,
	}).WithConnectionLimiter(b.connLimiter)

	b.health = health.NewHealthChecker(health.Sources{
		Relays:        b.pool,
		NoteCount:     b.store.NoteCount,
		ClientCount:   b.dispatcher.ClientCount,
		QueueLen:      b.processor.QueueLen,
		QueueCapacity: b.config.Feed.Ingest.QueueSize,
	}, logger.New("health"), config.Version)

	b.server = web.NewServer(web.ServerConfig{
		StatsSample:     b.config.Feed.StatsSample,
		MaxQueryLimit:   srv.MaxQueryLimit,
		ShutdownTimeout: srv.ShutdownTimeout,
	}, sessions, b.health.HandleHealth, b.store, b.pool)
}

func (b *NodeBuilder) Build() (*Node, error) {
	if b.store == nil {
		return nil, fmt.Errorf("store must be built before calling Build()")
	}
	if b.dispatcher == nil {
		return nil, fmt.Errorf("broadcaster must be built before calling Build()")
	}
	if b.processor == nil {
		return nil, fmt.Errorf("processor must be built before calling Build()")
	}
	if b.pool == nil {
		return nil, fmt.Errorf("relay pool must be built before calling Build()")
	}
	if b.server == nil {
		return nil, fmt.Errorf("server must be built before calling Build()")
	}

	metrics.RegisterMetrics()

	node := &Node{
		ctx:         b.ctx,
		cancel:      b.cancel,
		config:      b.config,
		Store:       b.store,
		Dispatcher:  b.dispatcher,
		Processor:   b.processor,
		Pool:        b.pool,
		Health:      b.health,
		server:      b.server,
		connLimiter: b.connLimiter,
	}
	logger.Debug("Node initialized successfully via builder",
		zap.Int("default_relays", len(b.config.Feed.DefaultRelays)))
	return node, nil
}
