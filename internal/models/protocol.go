package models

import "encoding/json"

// Client control frame types.
const (
	FrameAddRelay    = "add_relay"
	FrameRemoveRelay = "remove_relay"
	FrameGetNotes    = "get_notes"
)

// Server push/reply types.
const (
	MessageNewNote       = "new_note"
	MessageRelayStatus   = "relay_status"
	MessageNotesResponse = "notes_response"
	MessageError         = "error"
)

// ControlFrame is a client to server frame. Only the fields relevant to
// Type are populated.
type ControlFrame struct {
	Type             string `json:"type"`
	URL              string `json:"url,omitempty"`
	Limit            *int   `json:"limit,omitempty"`
	Offset           *int   `json:"offset,omitempty"`
	MinPowDifficulty *int   `json:"minPowDifficulty,omitempty"`
	SortBy           string `json:"sortBy,omitempty"`
}

// Query converts a get_notes frame into a NoteQuery, applying defaults.
func (f ControlFrame) Query() NoteQuery {
	q := NoteQuery{Limit: DefaultNotesLimit, SortBy: ParseSortBy(f.SortBy)}
	if f.Limit != nil {
		q.Limit = *f.Limit
	}
	if f.Offset != nil {
		q.Offset = *f.Offset
	}
	if f.MinPowDifficulty != nil {
		q.MinPowDifficulty = *f.MinPowDifficulty
	}
	return q
}

// ServerMessage is a server to client frame.
type ServerMessage struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// Encode marshals the message once for fan-out.
func (m ServerMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ErrorMessage builds an error reply.
func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: MessageError, Error: msg}
}
