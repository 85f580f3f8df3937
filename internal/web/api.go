package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/calvadev/nostrpow/internal/models"
	"go.uber.org/zap"
)

// NoteReader is the read side of the store the API serves from.
type NoteReader interface {
	Query(q models.NoteQuery) []models.Note
	Stats(sample int) models.Stats
	GetRelays() []models.RelayRecord
	GetRelay(url string) (models.RelayRecord, bool)
}

// RelayManager mutates the upstream relay set.
type RelayManager interface {
	AddRelay(url string) error
	RemoveRelay(url string) error
}

type addRelayRequest struct {
	URL string `json:"url"`
}

// HandleNotes serves GET /api/notes?limit&offset&minPowDifficulty&sortBy.
func (s *Server) HandleNotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	q, err := s.parseNoteQuery(r)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.notes.Query(q))
}

// HandleRelays serves GET, POST and DELETE on /api/relays.
func (s *Server) HandleRelays(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.notes.GetRelays())

	case http.MethodPost:
		var req addRelayRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			s.errs.HandleError(w, r, errors.ValidationError("INVALID_BODY", "Request body must be JSON of the form {\"url\": \"wss://...\"}."))
			return
		}
		if err := s.relays.AddRelay(req.URL); err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		record, ok := s.notes.GetRelay(req.URL)
		if !ok {
			// removed concurrently
			s.errs.HandleError(w, r, errors.RelayNotFoundError(req.URL))
			return
		}
		s.log.Info("Relay added via API", zap.String("relay", req.URL), zap.String("client_ip", r.RemoteAddr))
		s.writeJSON(w, http.StatusCreated, record)

	case http.MethodDelete:
		url := r.URL.Query().Get("url")
		if url == "" {
			s.errs.HandleError(w, r, errors.ValidationError("MISSING_URL", "Query parameter url is required."))
			return
		}
		if err := s.relays.RemoveRelay(url); err != nil {
			s.errs.HandleError(w, r, err)
			return
		}
		s.log.Info("Relay removed via API", zap.String("relay", url), zap.String("client_ip", r.RemoteAddr))
		w.WriteHeader(http.StatusNoContent)

	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// HandleStats serves GET /api/stats.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, s.notes.Stats(s.statsSample))
}

// parseNoteQuery applies the same defaults as a get_notes control frame.
func (s *Server) parseNoteQuery(r *http.Request) (models.NoteQuery, error) {
	values := r.URL.Query()
	var frame models.ControlFrame
	frame.SortBy = values.Get("sortBy")

	for name, dst := range map[string]**int{
		"limit":            &frame.Limit,
		"offset":           &frame.Offset,
		"minPowDifficulty": &frame.MinPowDifficulty,
	} {
		raw := values.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return models.NoteQuery{}, errors.ValidationError("INVALID_QUERY_PARAM", name+" must be a non-negative integer")
		}
		*dst = &n
	}

	q := frame.Query()
	if s.maxQueryLimit > 0 && q.Limit > s.maxQueryLimit {
		q.Limit = s.maxQueryLimit
	}
	return q, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
