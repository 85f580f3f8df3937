package storage

import (
	"math"
	"sort"

	"github.com/calvadev/nostrpow/internal/models"
)

// GetNotes filters notes to difficulty >= minPow, sorts them by sortBy and
// returns the page [offset, offset+limit). Unknown sort values fall back to
// pow_desc. Negative limit and offset are treated as zero.
func (s *Store) GetNotes(limit, offset, minPow int, sortBy models.SortBy) []models.Note {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}

	s.notesMu.RLock()
	entries := make([]*noteEntry, 0, len(s.notes))
	for _, e := range s.notes {
		if minPow > 0 && e.note.PowDifficulty < minPow {
			continue
		}
		entries = append(entries, e)
	}
	// Copy out under the lock; UpsertNote mutates entries in place.
	page := make([]noteEntry, len(entries))
	for i, e := range entries {
		page[i] = *e
	}
	s.notesMu.RUnlock()

	sortEntries(page, models.ParseSortBy(string(sortBy)))

	if offset >= len(page) {
		return []models.Note{}
	}
	end := len(page)
	if limit < end-offset {
		end = offset + limit
	}

	out := make([]models.Note, 0, end-offset)
	for _, e := range page[offset:end] {
		out = append(out, e.note)
	}
	return out
}

// Query runs a NoteQuery.
func (s *Store) Query(q models.NoteQuery) []models.Note {
	return s.GetNotes(q.Limit, q.Offset, q.MinPowDifficulty, q.SortBy)
}

// Stats summarises the top `sample` notes by difficulty.
func (s *Store) Stats(sample int) models.Stats {
	if sample <= 0 {
		sample = models.DefaultStatsSample
	}
	notes := s.GetNotes(sample, 0, 0, models.SortPowDesc)

	st := models.Stats{TotalNotes: len(notes)}
	if len(notes) == 0 {
		return st
	}
	sum := 0
	for _, n := range notes {
		sum += n.PowDifficulty
		if n.PowDifficulty >= models.HighPowThreshold {
			st.HighPowNotes++
		}
	}
	st.AvgPow = math.Round(float64(sum)/float64(len(notes))*10) / 10
	return st
}

// sortEntries orders by the primary key of sortBy, then by receipt order,
// then by id, so pages are stable between calls.
func sortEntries(entries []noteEntry, sortBy models.SortBy) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := &entries[i], &entries[j]
		switch sortBy {
		case models.SortPowAsc:
			if a.note.PowDifficulty != b.note.PowDifficulty {
				return a.note.PowDifficulty < b.note.PowDifficulty
			}
		case models.SortTimeDesc:
			if a.note.CreatedAt != b.note.CreatedAt {
				return a.note.CreatedAt > b.note.CreatedAt
			}
		case models.SortTimeAsc:
			if a.note.CreatedAt != b.note.CreatedAt {
				return a.note.CreatedAt < b.note.CreatedAt
			}
		default:
			if a.note.PowDifficulty != b.note.PowDifficulty {
				return a.note.PowDifficulty > b.note.PowDifficulty
			}
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.note.ID < b.note.ID
	})
}

func sortRelaysByID(relays []models.RelayRecord) {
	sort.Slice(relays, func(i, j int) bool { return relays[i].ID < relays[j].ID })
}
