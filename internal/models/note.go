package models

import (
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Note is a kind-1 event as held by the store, annotated with its work score.
type Note struct {
	ID            string     `json:"id"`
	PubKey        string     `json:"pubkey"`
	Content       string     `json:"content"`
	Kind          int        `json:"kind"`
	CreatedAt     int64      `json:"createdAt"` // unix seconds, as claimed by the author
	Tags          nostr.Tags `json:"tags"`
	Sig           string     `json:"sig"`
	PowDifficulty int        `json:"powDifficulty"`
	PowScore      float64    `json:"powScore"`
	ReceivedAt    time.Time  `json:"receivedAt"`
	FirstSeenOn   string     `json:"firstSeenOn,omitempty"`
	Sightings     int        `json:"sightings"`
}

// NewNote builds a Note from an upstream event and its computed score.
func NewNote(evt *nostr.Event, difficulty int, score float64, relayURL string, receivedAt time.Time) *Note {
	tags := evt.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	return &Note{
		ID:            evt.ID,
		PubKey:        evt.PubKey,
		Content:       evt.Content,
		Kind:          evt.Kind,
		CreatedAt:     int64(evt.CreatedAt),
		Tags:          tags,
		Sig:           evt.Sig,
		PowDifficulty: difficulty,
		PowScore:      score,
		ReceivedAt:    receivedAt,
		FirstSeenOn:   relayURL,
		Sightings:     1,
	}
}

// ScoredEvent is the payload of a new_note push: the upstream event fields
// exactly as received plus the derived score.
type ScoredEvent struct {
	ID            string     `json:"id"`
	PubKey        string     `json:"pubkey"`
	CreatedAt     int64      `json:"created_at"`
	Kind          int        `json:"kind"`
	Tags          nostr.Tags `json:"tags"`
	Content       string     `json:"content"`
	Sig           string     `json:"sig"`
	PowDifficulty int        `json:"powDifficulty"`
	PowScore      float64    `json:"powScore"`
}

// NewScoredEvent annotates evt with its difficulty and score.
func NewScoredEvent(evt *nostr.Event, difficulty int, score float64) ScoredEvent {
	tags := evt.Tags
	if tags == nil {
		tags = nostr.Tags{}
	}
	return ScoredEvent{
		ID:            evt.ID,
		PubKey:        evt.PubKey,
		CreatedAt:     int64(evt.CreatedAt),
		Kind:          evt.Kind,
		Tags:          tags,
		Content:       evt.Content,
		Sig:           evt.Sig,
		PowDifficulty: difficulty,
		PowScore:      score,
	}
}

// SortBy selects the ordering of a note query.
type SortBy string

const (
	SortPowDesc  SortBy = "pow_desc"
	SortPowAsc   SortBy = "pow_asc"
	SortTimeDesc SortBy = "time_desc"
	SortTimeAsc  SortBy = "time_asc"
)

// ParseSortBy maps unknown values to pow_desc.
func ParseSortBy(s string) SortBy {
	switch SortBy(s) {
	case SortPowDesc, SortPowAsc, SortTimeDesc, SortTimeAsc:
		return SortBy(s)
	default:
		return SortPowDesc
	}
}

// Default query parameters.
const (
	DefaultNotesLimit  = 50
	DefaultStatsSample = 1000
	HighPowThreshold   = 8
)

// NoteQuery is a pull request for a page of notes.
type NoteQuery struct {
	Limit            int    `json:"limit"`
	Offset           int    `json:"offset"`
	MinPowDifficulty int    `json:"minPowDifficulty"`
	SortBy           SortBy `json:"sortBy"`
}

// Stats summarises a sample of the highest-difficulty notes.
type Stats struct {
	TotalNotes   int     `json:"totalNotes"`
	AvgPow       float64 `json:"avgPow"`
	HighPowNotes int     `json:"highPowNotes"`
}
