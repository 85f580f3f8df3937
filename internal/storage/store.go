package storage

import (
	"sync"
	"time"

	"github.com/calvadev/nostrpow/internal/logger"
	"github.com/calvadev/nostrpow/internal/metrics"
	"github.com/calvadev/nostrpow/internal/models"
	"go.uber.org/zap"
)

// Store is the volatile note and relay store. Each collection has its own
// lock; queries materialize and sort the working set on every call, there
// are no secondary indexes.
type Store struct {
	notesMu sync.RWMutex
	notes   map[string]*noteEntry
	seq     uint64

	relaysMu    sync.RWMutex
	relays      map[string]*models.RelayRecord
	nextRelayID int64

	now func() time.Time
	log *zap.Logger
}

type noteEntry struct {
	note models.Note
	seq  uint64 // first-receipt order
}

// New creates an empty store.
func New() *Store {
	return &Store{
		notes:       make(map[string]*noteEntry),
		relays:      make(map[string]*models.RelayRecord),
		nextRelayID: 1,
		now:         time.Now,
		log:         logger.New("store"),
	}
}

/* ------------------------------------------------------------------ *
|  Notes                                                              |
* -------------------------------------------------------------------*/

// UpsertNote inserts a note or refreshes the mutable fields of an existing
// one. The first-receipt time and first relay are kept on re-sighting, and
// n.Sightings is added to the stored count (callers pass 0 for a replay
// from a relay that already delivered the note).
func (s *Store) UpsertNote(n *models.Note) (created bool) {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()

	if e, ok := s.notes[n.ID]; ok {
		e.note.PubKey = n.PubKey
		e.note.Content = n.Content
		e.note.Kind = n.Kind
		e.note.CreatedAt = n.CreatedAt
		e.note.Tags = n.Tags
		e.note.Sig = n.Sig
		e.note.PowDifficulty = n.PowDifficulty
		e.note.PowScore = n.PowScore
		e.note.Sightings += n.Sightings
		return false
	}

	note := *n
	if note.ReceivedAt.IsZero() {
		note.ReceivedAt = s.now()
	}
	if note.Sightings < 1 {
		note.Sightings = 1
	}
	s.seq++
	s.notes[n.ID] = &noteEntry{note: note, seq: s.seq}
	metrics.NotesStored.Set(float64(len(s.notes)))
	return true
}

// GetNote returns a copy of the note with the given id.
func (s *Store) GetNote(id string) (models.Note, bool) {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	e, ok := s.notes[id]
	if !ok {
		return models.Note{}, false
	}
	return e.note, true
}

// HasNote reports whether id is stored.
func (s *Store) HasNote(id string) bool {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	_, ok := s.notes[id]
	return ok
}

// NoteCount returns the number of distinct notes.
func (s *Store) NoteCount() int {
	s.notesMu.RLock()
	defer s.notesMu.RUnlock()
	return len(s.notes)
}

/* ------------------------------------------------------------------ *
|  Relays                                                             |
* -------------------------------------------------------------------*/

// CreateRelay stores a relay record with status disconnected. If the url
// already exists the existing record is returned unchanged.
func (s *Store) CreateRelay(url string) models.RelayRecord {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()

	if r, ok := s.relays[url]; ok {
		return *r
	}
	r := &models.RelayRecord{
		ID:     s.nextRelayID,
		URL:    url,
		Status: models.StatusDisconnected,
	}
	s.nextRelayID++
	s.relays[url] = r
	s.log.Debug("relay record created", zap.String("relay", url), zap.Int64("id", r.ID))
	return *r
}

// GetRelays returns every relay record in insertion order.
func (s *Store) GetRelays() []models.RelayRecord {
	s.relaysMu.RLock()
	defer s.relaysMu.RUnlock()

	out := make([]models.RelayRecord, 0, len(s.relays))
	for _, r := range s.relays {
		out = append(out, *r)
	}
	sortRelaysByID(out)
	return out
}

// GetRelay returns the record for url.
func (s *Store) GetRelay(url string) (models.RelayRecord, bool) {
	s.relaysMu.RLock()
	defer s.relaysMu.RUnlock()
	r, ok := s.relays[url]
	if !ok {
		return models.RelayRecord{}, false
	}
	return *r, true
}

// UpdateRelayStatus records a status transition. latency is optional; a nil
// value leaves the previous measurement in place. Transitions into
// connected stamp LastConnected.
func (s *Store) UpdateRelayStatus(url string, status models.RelayStatus, latency *int64) (models.RelayRecord, bool) {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()

	r, ok := s.relays[url]
	if !ok {
		return models.RelayRecord{}, false
	}
	r.Status = status
	if latency != nil {
		l := *latency
		r.Latency = &l
	}
	if status == models.StatusConnected {
		t := s.now()
		r.LastConnected = &t
	}
	return *r, true
}

// DeleteRelay removes the record for url. It reports whether a record existed.
func (s *Store) DeleteRelay(url string) bool {
	s.relaysMu.Lock()
	defer s.relaysMu.Unlock()
	if _, ok := s.relays[url]; !ok {
		return false
	}
	delete(s.relays, url)
	return true
}
