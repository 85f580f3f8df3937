package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/calvadev/nostrpow/internal/config"
	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// RelayStore persists relay records alongside the pool's live state.
type RelayStore interface {
	CreateRelay(url string) models.RelayRecord
	UpdateRelayStatus(url string, status models.RelayStatus, latency *int64) (models.RelayRecord, bool)
	DeleteRelay(url string) bool
}

// EventSink receives every EVENT payload read from a relay.
type EventSink interface {
	Queue(relayURL string, evt *nostr.Event) bool
}

// StatusSink receives the full status list after every transition.
type StatusSink interface {
	BroadcastRelayStatus(statuses []models.RelayStatusSnapshot)
}

// PoolConfig tunes connection handling.
type PoolConfig struct {
	DefaultRelays  []string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Filter         nostr.Filter
}

// relayState is the pool-owned record of one upstream relay. gen identifies
// the current connection attempt; every dial, reader and timer callback
// carries the gen it was started under and gives up when it no longer
// matches, so late callbacks cannot touch a removed or re-added relay.
type relayState struct {
	url           string
	status        models.RelayStatus
	latency       *int64
	lastPing      int64 // unix ms of the last status change
	subscriptions map[string]struct{}

	gen        uint64
	conn       Conn
	timer      *time.Timer
	dialCancel context.CancelFunc
}

// Pool maintains one connection per upstream relay and reconnects after
// failures.
type Pool struct {
	mu      sync.Mutex
	relays  map[string]*relayState
	nextGen uint64
	closed  bool

	// statusMu orders snapshot+broadcast pairs so clients never see an
	// older snapshot after a newer one.
	statusMu sync.Mutex

	cfg    PoolConfig
	dialer Dialer
	store  RelayStore
	events EventSink
	status StatusSink

	now    func() time.Time
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an empty pool. status may be nil.
func NewPool(cfg PoolConfig, dialer Dialer, store RelayStore, events EventSink, status StatusSink) *Pool {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		relays: make(map[string]*relayState),
		cfg:    cfg,
		dialer: dialer,
		store:  store,
		events: events,
		status: status,
		now:    time.Now,
		log:    logger.New("relay_pool"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start adds the configured default relays. Invalid entries are logged and skipped.
func (p *Pool) Start(ctx context.Context) error {
	for _, url := range p.cfg.DefaultRelays {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.AddRelay(url); err != nil {
			p.log.Warn("Skipping default relay", zap.String("relay", url), zap.Error(err))
		}
	}
	p.log.Info("Relay pool started", zap.Int("relays", len(p.cfg.DefaultRelays)))
	return nil
}

// AddRelay validates url, records it and starts connecting in the
// background. Adding a url that is already present does nothing.
func (p *Pool) AddRelay(url string) error {
	if err := config.ValidateRelayURL(url); err != nil {
		return errors.InvalidRelayURLError(url, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.PoolClosedError()
	}
	if _, exists := p.relays[url]; exists {
		p.mu.Unlock()
		return nil
	}
	rs := &relayState{
		url:           url,
		status:        models.StatusDisconnected,
		lastPing:      p.now().UnixMilli(),
		subscriptions: make(map[string]struct{}),
	}
	p.relays[url] = rs
	p.store.CreateRelay(url)
	p.mu.Unlock()

	p.log.Info("Relay added", zap.String("relay", url))
	p.connect(url)
	return nil
}

// RemoveRelay closes the relay's connection, cancels its reconnect timer
// and forgets it.
func (p *Pool) RemoveRelay(url string) error {
	p.mu.Lock()
	rs, exists := p.relays[url]
	if !exists {
		p.mu.Unlock()
		return errors.RelayNotFoundError(url)
	}
	delete(p.relays, url)
	stopTimer(rs)
	cancelDial(rs)
	conn := rs.conn
	rs.conn = nil
	subs := make([]string, 0, len(rs.subscriptions))
	for id := range rs.subscriptions {
		subs = append(subs, id)
	}
	rs.subscriptions = make(map[string]struct{})
	p.store.DeleteRelay(url)
	p.updateGaugesLocked()
	p.mu.Unlock()

	if conn != nil {
		p.closeSubscriptions(url, conn, subs)
		_ = conn.Close()
	}
	p.log.Info("Relay removed", zap.String("relay", url))
	p.broadcastStatus()
	return nil
}

// closeSubscriptions tells the relay we are done with subs. Write errors
// are ignored, the socket is closed right after.
func (p *Pool) closeSubscriptions(url string, conn Conn, subs []string) {
	sort.Strings(subs)
	for _, id := range subs {
		frame, err := EncodeClose(id)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(frame); err != nil {
			p.log.Debug("Failed to close subscription", zap.String("relay", url), zap.String("sub_id", id), zap.Error(err))
			return
		}
	}
}

// Statuses returns a snapshot of every relay, sorted by url.
func (p *Pool) Statuses() []models.RelayStatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Close stops every relay and waits for their goroutines.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]Conn, 0, len(p.relays))
	for _, rs := range p.relays {
		stopTimer(rs)
		cancelDial(rs)
		if rs.conn != nil {
			conns = append(conns, rs.conn)
			rs.conn = nil
		}
		rs.status = models.StatusDisconnected
	}
	p.mu.Unlock()

	p.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	p.wg.Wait()
	p.log.Info("Relay pool closed")
}

/* ------------------------------------------------------------------ *
|  Connection lifecycle                                               |
* -------------------------------------------------------------------*/

// connect starts a dial unless the relay is gone, already connecting or
// already connected.
func (p *Pool) connect(url string) {
	p.mu.Lock()
	rs, exists := p.relays[url]
	if !exists || p.closed || rs.status == models.StatusConnecting || rs.conn != nil {
		p.mu.Unlock()
		return
	}
	stopTimer(rs)
	cancelDial(rs)
	p.nextGen++
	rs.gen = p.nextGen
	gen := rs.gen
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.DialTimeout)
	rs.dialCancel = cancel
	p.setStatusLocked(rs, models.StatusConnecting, nil)
	p.wg.Add(1)
	p.mu.Unlock()

	p.broadcastStatus()
	go p.dial(ctx, cancel, url, gen)
}

// dial runs one connection attempt. ctx is cancelled by removal, Close or
// a newer attempt for the same relay.
func (p *Pool) dial(ctx context.Context, cancel context.CancelFunc, url string, gen uint64) {
	defer p.wg.Done()

	start := time.Now()
	conn, err := p.dialer.Dial(ctx, url)
	elapsed := time.Since(start)
	cancel()
	metrics.RelayDialLatency.Observe(elapsed.Seconds())

	p.mu.Lock()
	rs, exists := p.relays[url]
	if exists && rs.gen == gen {
		rs.dialCancel = nil
	}
	if !exists || rs.gen != gen || p.closed {
		p.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		metrics.RelayConnectAttempts.WithLabelValues("failure").Inc()
		p.log.Warn("Relay dial failed",
			zap.String("relay", url),
			zap.Duration("elapsed", elapsed),
			zap.Bool("recoverable", errors.IsRecoverable(err)),
			zap.Error(err))
		p.setStatusLocked(rs, models.StatusError, nil)
		p.scheduleReconnectLocked(rs)
		p.mu.Unlock()
		p.broadcastStatus()
		return
	}

	metrics.RelayConnectAttempts.WithLabelValues("success").Inc()
	latency := elapsed.Milliseconds()
	rs.conn = conn
	stopTimer(rs)
	subID := NewSubscriptionID()
	rs.subscriptions = map[string]struct{}{subID: {}}
	p.setStatusLocked(rs, models.StatusConnected, &latency)
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info("Relay connected", zap.String("relay", url), zap.Int64("latency_ms", latency))

	if req, err := EncodeReq(subID, p.cfg.Filter); err != nil {
		p.log.Error("Failed to encode subscription", zap.String("relay", url), zap.Error(err))
	} else if err := conn.WriteMessage(req); err != nil {
		// the reader sees the broken socket and reschedules
		p.log.Warn("Failed to send subscription", zap.String("relay", url), zap.Error(err))
		_ = conn.Close()
	} else {
		p.log.Debug("Subscription sent", zap.String("relay", url), zap.String("sub_id", subID))
	}

	p.broadcastStatus()
	go p.readLoop(url, gen, conn)
}

func (p *Pool) readLoop(url string, gen uint64, conn Conn) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Recovered from panic in relay reader", zap.String("relay", url), zap.Any("panic", r))
			p.disconnected(url, gen, conn, errors.InternalError("relay reader panic", nil))
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			p.disconnected(url, gen, conn, err)
			return
		}
		p.handleFrame(url, gen, data)
	}
}

// disconnected moves a live relay to disconnected (remote close) or error
// and schedules a reconnect.
func (p *Pool) disconnected(url string, gen uint64, conn Conn, cause error) {
	_ = conn.Close()

	p.mu.Lock()
	rs, exists := p.relays[url]
	if !exists || rs.gen != gen || rs.conn != conn || p.closed {
		p.mu.Unlock()
		return
	}
	rs.conn = nil
	rs.subscriptions = make(map[string]struct{})
	status := models.StatusError
	if errors.IsRemoteClose(cause) {
		status = models.StatusDisconnected
	}
	p.setStatusLocked(rs, status, nil)
	p.scheduleReconnectLocked(rs)
	p.mu.Unlock()

	p.log.Info("Relay connection lost",
		zap.String("relay", url),
		zap.String("status", string(status)),
		zap.Error(cause))
	p.broadcastStatus()
}

// scheduleReconnectLocked replaces any pending timer with a fresh one.
func (p *Pool) scheduleReconnectLocked(rs *relayState) {
	stopTimer(rs)
	url, gen := rs.url, rs.gen
	rs.timer = time.AfterFunc(p.cfg.ReconnectDelay, func() {
		p.reconnect(url, gen)
	})
	metrics.RelayReconnectsScheduled.Inc()
}

func (p *Pool) reconnect(url string, gen uint64) {
	p.mu.Lock()
	rs, exists := p.relays[url]
	if !exists || rs.gen != gen || p.closed {
		p.mu.Unlock()
		return
	}
	rs.timer = nil
	p.mu.Unlock()

	p.log.Debug("Reconnecting relay", zap.String("relay", url))
	p.connect(url)
}

func cancelDial(rs *relayState) {
	if rs.dialCancel != nil {
		rs.dialCancel()
		rs.dialCancel = nil
	}
}

func stopTimer(rs *relayState) {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

/* ------------------------------------------------------------------ *
|  Frames                                                             |
* -------------------------------------------------------------------*/

func (p *Pool) handleFrame(url string, gen uint64, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		metrics.MalformedFrames.Inc()
		p.log.Debug("Dropping malformed frame", zap.String("relay", url), zap.Error(err))
		return
	}
	if !f.Known() {
		metrics.UpstreamFrames.WithLabelValues("unknown").Inc()
		return
	}
	metrics.UpstreamFrames.WithLabelValues(f.Type).Inc()

	switch f.Type {
	case FrameEvent:
		if p.events != nil {
			p.events.Queue(url, f.Event)
		}
	case FrameEOSE:
		p.log.Debug("End of stored events", zap.String("relay", url), zap.String("sub_id", f.SubscriptionID))
	case FrameNotice:
		p.log.Info("Relay notice", zap.String("relay", url), zap.String("message", f.Message))
	case FrameOK:
		p.log.Debug("Relay OK", zap.String("relay", url), zap.String("event_id", f.EventID), zap.Bool("accepted", f.Accepted))
	case FrameClosed:
		p.log.Info("Subscription closed by relay",
			zap.String("relay", url),
			zap.String("sub_id", f.SubscriptionID),
			zap.String("message", f.Message))
		p.dropSubscription(url, gen, f.SubscriptionID)
	case FrameAuth:
		p.log.Debug("Relay requested auth, ignoring", zap.String("relay", url))
	}
}

func (p *Pool) dropSubscription(url string, gen uint64, subID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rs, exists := p.relays[url]; exists && rs.gen == gen {
		delete(rs.subscriptions, subID)
	}
}

/* ------------------------------------------------------------------ *
|  Status                                                             |
* -------------------------------------------------------------------*/

func (p *Pool) setStatusLocked(rs *relayState, status models.RelayStatus, latency *int64) {
	rs.status = status
	if latency != nil {
		rs.latency = latency
	}
	rs.lastPing = p.now().UnixMilli()
	p.store.UpdateRelayStatus(rs.url, status, latency)
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	counts := make(map[string]int, 4)
	for _, rs := range p.relays {
		counts[string(rs.status)]++
	}
	metrics.SetRelayStatusCounts(counts)
}

func (p *Pool) snapshotLocked() []models.RelayStatusSnapshot {
	out := make([]models.RelayStatusSnapshot, 0, len(p.relays))
	for _, rs := range p.relays {
		snap := models.RelayStatusSnapshot{
			URL:      rs.url,
			Status:   rs.status,
			LastPing: rs.lastPing,
		}
		if rs.latency != nil {
			l := *rs.latency
			snap.Latency = &l
		}
		for id := range rs.subscriptions {
			snap.Subscriptions = append(snap.Subscriptions, id)
		}
		sort.Strings(snap.Subscriptions)
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// SendStatusTo hands the current snapshot to deliver while holding the
// broadcast ordering lock, so a single client never receives it after a
// newer broadcast.
func (p *Pool) SendStatusTo(deliver func([]models.RelayStatusSnapshot)) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	deliver(p.Statuses())
}

func (p *Pool) broadcastStatus() {
	if p.status == nil {
		return
	}
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status.BroadcastRelayStatus(p.Statuses())
}
