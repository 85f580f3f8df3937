package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// NoteStore is the part of the store ingestion writes to.
type NoteStore interface {
	UpsertNote(n *models.Note) (created bool)
}

// Notifier receives every scored event for fan-out.
type Notifier interface {
	BroadcastNote(evt *nostr.Event, difficulty int, score float64)
}

// Config tunes the processor.
type Config struct {
	Workers   int
	QueueSize int
	Kinds     []int // accepted kinds, empty accepts all

	// ExpectedSightings sizes the relay|id bloom filter.
	ExpectedSightings uint
}

type queuedEvent struct {
	relay string
	evt   nostr.Event
}

// Processor scores, stores and broadcasts events received from relays.
// Relay readers hand events over with Queue; a fixed set of workers drains
// the bounded queue.
type Processor struct {
	store    NoteStore
	notifier Notifier
	kinds    map[int]struct{}

	eventChan   chan queuedEvent
	workerCount int

	// seen holds relay|id pairs so a relay replaying its backlog after a
	// reconnect is not counted as a new sighting.
	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	now    func() time.Time
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a processor and starts its workers.
func NewProcessor(ctx context.Context, store NoteStore, notifier Notifier, cfg Config) *Processor {
	ctx, cancel := context.WithCancel(ctx)

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ExpectedSightings == 0 {
		cfg.ExpectedSightings = 1_000_000
	}

	p := &Processor{
		store:       store,
		notifier:    notifier,
		kinds:       make(map[int]struct{}, len(cfg.Kinds)),
		eventChan:   make(chan queuedEvent, cfg.QueueSize),
		workerCount: cfg.Workers,
		seen:        bloom.NewWithEstimates(cfg.ExpectedSightings, 0.01),
		now:         time.Now,
		log:         logger.New("ingest"),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, k := range cfg.Kinds {
		p.kinds[k] = struct{}{}
	}

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.processEvents()
	}
	return p
}

// Queue hands an event to the workers without blocking. It returns false
// when the event was rejected or the queue is full.
func (p *Processor) Queue(relayURL string, evt *nostr.Event) bool {
	if !p.accept(evt) {
		return false
	}
	if p.ctx.Err() != nil {
		return false
	}

	select {
	case p.eventChan <- queuedEvent{relay: relayURL, evt: *evt}:
		return true
	default:
		metrics.IngestDropped.WithLabelValues("queue_full").Inc()
		p.log.Warn("Event processing queue full, dropping event",
			zap.String("relay", relayURL),
			zap.String("event_id", evt.ID),
			zap.Int("kind", evt.Kind))
		return false
	}
}

// Ingest scores, upserts and broadcasts evt synchronously.
func (p *Processor) Ingest(relayURL string, evt *nostr.Event) (models.Note, bool) {
	if !p.accept(evt) {
		return models.Note{}, false
	}
	return p.ingest(relayURL, evt), true
}

func (p *Processor) accept(evt *nostr.Event) bool {
	if evt == nil || evt.ID == "" {
		metrics.IngestDropped.WithLabelValues("invalid").Inc()
		return false
	}
	if len(p.kinds) > 0 {
		if _, ok := p.kinds[evt.Kind]; !ok {
			metrics.IngestDropped.WithLabelValues("kind").Inc()
			return false
		}
	}
	return true
}

func (p *Processor) ingest(relayURL string, evt *nostr.Event) models.Note {
	difficulty, score := ComputeWorkScore(evt.ID)

	note := models.NewNote(evt, difficulty, score, relayURL, p.now())
	if p.replayed(relayURL, evt.ID) {
		note.Sightings = 0
	}

	if created := p.store.UpsertNote(note); created {
		metrics.RecordNoteIngested(difficulty)
		p.log.Debug("note stored",
			zap.String("relay", relayURL),
			zap.String("event_id", evt.ID),
			zap.Int("difficulty", difficulty))
	} else {
		metrics.DuplicateSightings.Inc()
	}

	if p.notifier != nil {
		p.notifier.BroadcastNote(evt, difficulty, score)
	}
	return *note
}

// replayed reports whether this relay probably delivered id before.
func (p *Processor) replayed(relayURL, id string) bool {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	return p.seen.TestAndAddString(relayURL + "|" + id)
}

func (p *Processor) processEvents() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case q := <-p.eventChan:
			p.safeIngest(q)
		}
	}
}

func (p *Processor) safeIngest(q queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while ingesting event",
				zap.String("relay", q.relay),
				zap.String("event_id", q.evt.ID),
				zap.Any("panic", r))
		}
	}()
	p.ingest(q.relay, &q.evt)
}

// QueueLen returns the number of events waiting for a worker.
func (p *Processor) QueueLen() int {
	return len(p.eventChan)
}

// Shutdown stops the workers. Events still queued are discarded.
func (p *Processor) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
