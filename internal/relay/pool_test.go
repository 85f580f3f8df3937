package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/models"
	"github.com/calvadev/nostrpow/internal/storage"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* ------------------------------------------------------------------ *
|  Fakes                                                              |
* -------------------------------------------------------------------*/

type fakeConn struct {
	inbound   chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

type fakeDialer struct {
	mu      sync.Mutex
	latency time.Duration
	failing map[string]bool
	dials   map[string]int
	conns   map[string][]*fakeConn
}

func newFakeDialer(latency time.Duration) *fakeDialer {
	return &fakeDialer{
		latency: latency,
		failing: make(map[string]bool),
		dials:   make(map[string]int),
		conns:   make(map[string][]*fakeConn),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials[url]++
	fail := d.failing[url]
	latency := d.latency
	d.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: io.ErrUnexpectedEOF}
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns[url] = append(d.conns[url], c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFailing(url string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[url] = fail
}

func (d *fakeDialer) dialCount(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[url]
}

func (d *fakeDialer) lastConn(url string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[url]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

type recordingSink struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (s *recordingSink) Queue(_ string, evt *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordingStatus struct {
	mu        sync.Mutex
	snapshots [][]models.RelayStatusSnapshot
}

func (s *recordingStatus) BroadcastRelayStatus(statuses []models.RelayStatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, statuses)
}

func (s *recordingStatus) statusesFor(url string) []models.RelayStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RelayStatus
	for _, snap := range s.snapshots {
		for _, r := range snap {
			if r.URL == url {
				out = append(out, r.Status)
			}
		}
	}
	return out
}

const (
	relayA = "wss://a.example"
	relayB = "wss://b.example"
)

func newTestPool(t *testing.T, dialer Dialer, delay time.Duration) (*Pool, *storage.Store, *recordingSink, *recordingStatus) {
	t.Helper()
	store := storage.New()
	sink := &recordingSink{}
	status := &recordingStatus{}
	p := NewPool(PoolConfig{
		ReconnectDelay: delay,
		DialTimeout:    time.Second,
		Filter:         nostr.Filter{Kinds: []int{1}, Limit: 100},
	}, dialer, store, sink, status)
	t.Cleanup(p.Close)
	return p, store, sink, status
}

func statusOf(p *Pool, url string) models.RelayStatus {
	for _, s := range p.Statuses() {
		if s.URL == url {
			return s.Status
		}
	}
	return ""
}

func waitStatus(t *testing.T, p *Pool, url string, want models.RelayStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return statusOf(p, url) == want },
		2*time.Second, 5*time.Millisecond, "relay %s never reached %s", url, want)
}

/* ------------------------------------------------------------------ *
|  Tests                                                              |
* -------------------------------------------------------------------*/

func TestAddRelayRejectsInvalidURL(t *testing.T) {
	dialer := newFakeDialer(0)
	p, store, _, status := newTestPool(t, dialer, time.Second)

	for _, url := range []string{"", "http://relay.example", "relay.example", "wss://", " wss://a.example"} {
		err := p.AddRelay(url)
		require.Error(t, err, url)
		assert.ErrorIs(t, err, errors.ErrInvalidRelayURL)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	}

	assert.Empty(t, p.Statuses())
	assert.Empty(t, store.GetRelays())
	status.mu.Lock()
	assert.Empty(t, status.snapshots)
	status.mu.Unlock()
}

func TestAddRelayIsIdempotent(t *testing.T) {
	dialer := newFakeDialer(0)
	p, store, _, _ := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)
	require.NoError(t, p.AddRelay(relayA))

	assert.Len(t, p.Statuses(), 1)
	assert.Len(t, store.GetRelays(), 1)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(relayA))
}

func TestConnectSendsOneSubscription(t *testing.T) {
	dialer := newFakeDialer(0)
	p, store, _, _ := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)

	conn := dialer.lastConn(relayA)
	require.NotNil(t, conn)
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, time.Second, 5*time.Millisecond)

	var req []json.RawMessage
	require.NoError(t, json.Unmarshal(conn.writes()[0], &req))
	require.Len(t, req, 3)
	var subID string
	require.NoError(t, json.Unmarshal(req[1], &subID))
	assert.JSONEq(t, `"REQ"`, string(req[0]))
	assert.Contains(t, subID, "notes_")
	assert.JSONEq(t, `{"kinds":[1],"limit":100}`, string(req[2]))

	snaps := p.Statuses()
	require.Len(t, snaps, 1)
	assert.Equal(t, []string{subID}, snaps[0].Subscriptions)

	rec, ok := store.GetRelay(relayA)
	require.True(t, ok)
	assert.Equal(t, models.StatusConnected, rec.Status)
	assert.NotNil(t, rec.LastConnected)
}

func TestEndToEndLatencyAndEvent(t *testing.T) {
	dialer := newFakeDialer(150 * time.Millisecond)
	p, _, sink, status := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)

	snaps := p.Statuses()
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].Latency)
	assert.GreaterOrEqual(t, *snaps[0].Latency, int64(150))
	assert.Less(t, *snaps[0].Latency, int64(1500))
	assert.NotZero(t, snaps[0].LastPing)

	seen := status.statusesFor(relayA)
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, models.StatusConnecting, seen[0])
	assert.Equal(t, models.StatusConnected, seen[len(seen)-1])

	conn := dialer.lastConn(relayA)
	conn.inbound <- []byte(`["EVENT","notes_x",{"id":"0000ab","pubkey":"pk","created_at":1,"kind":1,"tags":[],"content":"hi","sig":"s"}]`)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, "0000ab", sink.events[0].ID)
	sink.mu.Unlock()
}

func TestMalformedFramesKeepConnection(t *testing.T) {
	dialer := newFakeDialer(0)
	p, _, sink, _ := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)

	conn := dialer.lastConn(relayA)
	for _, raw := range []string{
		`garbage`,
		`["EVENT"]`,
		`[1,2,3]`,
		`["WHATEVER","x"]`,
		`["EOSE","notes_x"]`,
		`["NOTICE","hello"]`,
		`["EVENT","notes_x",{"id":"01","pubkey":"pk","created_at":1,"kind":1,"tags":[],"content":"ok","sig":"s"}]`,
	} {
		conn.inbound <- []byte(raw)
	}

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusConnected, statusOf(p, relayA))
	assert.False(t, conn.isClosed())
	assert.Equal(t, 1, dialer.dialCount(relayA))
}

func TestReconnectAfterDialFailure(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.setFailing(relayA, true)
	p, store, _, status := newTestPool(t, dialer, 60*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusError)
	assert.Equal(t, 1, dialer.dialCount(relayA))

	rec, _ := store.GetRelay(relayA)
	assert.Equal(t, models.StatusError, rec.Status)

	dialer.setFailing(relayA, false)
	waitStatus(t, p, relayA, models.StatusConnected)
	assert.Equal(t, 2, dialer.dialCount(relayA))
	assert.Contains(t, status.statusesFor(relayA), models.StatusError)
}

func TestRemoteCloseReconnects(t *testing.T) {
	dialer := newFakeDialer(0)
	p, _, _, status := newTestPool(t, dialer, 60*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)
	first := dialer.lastConn(relayA)

	close(first.inbound)
	require.Eventually(t, func() bool {
		return dialer.dialCount(relayA) == 2 && statusOf(p, relayA) == models.StatusConnected
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, first.isClosed())
	assert.Contains(t, status.statusesFor(relayA), models.StatusDisconnected)
	assert.NotSame(t, first, dialer.lastConn(relayA))
}

func TestReadErrorSetsErrorStatus(t *testing.T) {
	dialer := newFakeDialer(0)
	p, _, _, status := newTestPool(t, dialer, time.Hour)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)

	dialer.lastConn(relayA).readErr <- &net.OpError{Op: "read", Net: "tcp", Err: io.ErrUnexpectedEOF}
	waitStatus(t, p, relayA, models.StatusError)
	assert.NotContains(t, status.statusesFor(relayA), models.StatusDisconnected)
}

func TestRemoveRelayClosesAndCancelsTimer(t *testing.T) {
	dialer := newFakeDialer(0)
	p, store, _, status := newTestPool(t, dialer, 40*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)
	conn := dialer.lastConn(relayA)
	require.Eventually(t, func() bool { return len(conn.writes()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.RemoveRelay(relayA))
	assert.True(t, conn.isClosed())
	assert.Empty(t, p.Statuses())

	writes := conn.writes()
	require.Len(t, writes, 2, "REQ on connect, CLOSE on removal")
	var req []json.RawMessage
	require.NoError(t, json.Unmarshal(writes[0], &req))
	var subID string
	require.NoError(t, json.Unmarshal(req[1], &subID))
	closeFrame, err := EncodeClose(subID)
	require.NoError(t, err)
	assert.JSONEq(t, string(closeFrame), string(writes[1]))
	_, ok := store.GetRelay(relayA)
	assert.False(t, ok)

	status.mu.Lock()
	last := status.snapshots[len(status.snapshots)-1]
	status.mu.Unlock()
	assert.Empty(t, last, "removal broadcasts the shrunken list")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(relayA))
	assert.Empty(t, p.Statuses())
}

func TestRemoveRelayDuringBackoff(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.setFailing(relayA, true)
	p, _, _, _ := newTestPool(t, dialer, 40*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusError)
	require.NoError(t, p.RemoveRelay(relayA))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount(relayA), "pending reconnect must not fire after removal")
}

func TestAddRemoveAddLeavesNoStaleTimer(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.setFailing(relayA, true)
	p, _, _, _ := newTestPool(t, dialer, 80*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusError)
	require.NoError(t, p.RemoveRelay(relayA))

	dialer.setFailing(relayA, false)
	require.NoError(t, p.AddRelay(relayA))
	waitStatus(t, p, relayA, models.StatusConnected)

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount(relayA))
	assert.Equal(t, models.StatusConnected, statusOf(p, relayA))
	assert.False(t, dialer.lastConn(relayA).isClosed())
}

type ctxDialer struct {
	started chan context.Context
}

func (d *ctxDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.started <- ctx
	<-ctx.Done()
	return nil, ctx.Err()
}

func (d *ctxDialer) next(t *testing.T) context.Context {
	t.Helper()
	select {
	case ctx := <-d.started:
		return ctx
	case <-time.After(time.Second):
		t.Fatal("dial never started")
		return nil
	}
}

func TestRemoveRelayCancelsInFlightDial(t *testing.T) {
	dialer := &ctxDialer{started: make(chan context.Context, 2)}
	p, _, _, _ := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	first := dialer.next(t)
	require.NoError(t, p.RemoveRelay(relayA))
	assert.Error(t, first.Err(), "dial must be cancelled when RemoveRelay returns")

	require.NoError(t, p.AddRelay(relayA))
	second := dialer.next(t)
	assert.NoError(t, second.Err())
	assert.Equal(t, models.StatusConnecting, statusOf(p, relayA))
}

func TestCloseCancelsInFlightDial(t *testing.T) {
	dialer := &ctxDialer{started: make(chan context.Context, 1)}
	p, _, _, _ := newTestPool(t, dialer, time.Second)

	require.NoError(t, p.AddRelay(relayA))
	ctx := dialer.next(t)
	p.Close()
	assert.Error(t, ctx.Err())
}

func TestSendStatusToIsOrderedWithBroadcasts(t *testing.T) {
	p, _, _, status := newTestPool(t, newFakeDialer(0), time.Second)

	added := make(chan struct{})
	p.SendStatusTo(func(snaps []models.RelayStatusSnapshot) {
		assert.Empty(t, snaps)
		go func() {
			assert.NoError(t, p.AddRelay(relayA))
			close(added)
		}()
		time.Sleep(30 * time.Millisecond)
		assert.Empty(t, status.statusesFor(relayA), "broadcasts wait for the delivery in progress")
	})

	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("AddRelay stayed blocked after delivery")
	}
	waitStatus(t, p, relayA, models.StatusConnected)
	assert.Equal(t, models.StatusConnecting, status.statusesFor(relayA)[0])
}

func TestRemoveUnknownRelay(t *testing.T) {
	p, _, _, _ := newTestPool(t, newFakeDialer(0), time.Second)

	err := p.RemoveRelay(relayB)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRelayNotFound)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestStartAddsDefaultsAndSkipsInvalid(t *testing.T) {
	dialer := newFakeDialer(0)
	store := storage.New()
	p := NewPool(PoolConfig{
		DefaultRelays:  []string{relayB, "http://bad.example", relayA},
		ReconnectDelay: time.Second,
	}, dialer, store, nil, nil)
	defer p.Close()

	require.NoError(t, p.Start(context.Background()))
	waitStatus(t, p, relayA, models.StatusConnected)
	waitStatus(t, p, relayB, models.StatusConnected)

	snaps := p.Statuses()
	require.Len(t, snaps, 2)
	assert.Equal(t, relayA, snaps[0].URL, "statuses are sorted by url")
}

func TestCloseStopsRelays(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.setFailing(relayB, true)
	p, _, _, _ := newTestPool(t, dialer, 40*time.Millisecond)

	require.NoError(t, p.AddRelay(relayA))
	require.NoError(t, p.AddRelay(relayB))
	waitStatus(t, p, relayA, models.StatusConnected)
	waitStatus(t, p, relayB, models.StatusError)

	p.Close()
	assert.True(t, dialer.lastConn(relayA).isClosed())

	failures := dialer.dialCount(relayB)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, failures, dialer.dialCount(relayB))

	err := p.AddRelay("wss://c.example")
	assert.ErrorIs(t, err, errors.ErrPoolClosed)
}

func TestHangingDialDoesNotBlockOthers(t *testing.T) {
	slow := &blockingDialer{release: make(chan struct{}), fast: newFakeDialer(0)}
	p, _, _, _ := newTestPool(t, slow, time.Second)
	defer close(slow.release)

	require.NoError(t, p.AddRelay(relayA)) // hangs
	require.NoError(t, p.AddRelay(relayB))
	waitStatus(t, p, relayB, models.StatusConnected)
	assert.Equal(t, models.StatusConnecting, statusOf(p, relayA))
}

type blockingDialer struct {
	release chan struct{}
	fast    *fakeDialer
}

func (d *blockingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if url == relayA {
		select {
		case <-d.release:
		case <-ctx.Done():
		}
		return nil, context.Canceled
	}
	return d.fast.Dial(ctx, url)
}
