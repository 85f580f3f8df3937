package relay

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/calvadev/nostrpow/internal/errors"
	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Upstream frame labels.
const (
	FrameEvent  = "EVENT"
	FrameEOSE   = "EOSE"
	FrameNotice = "NOTICE"
	FrameOK     = "OK"
	FrameClosed = "CLOSED"
	FrameAuth   = "AUTH"
	FrameReq    = "REQ"
	FrameClose  = "CLOSE"
)

// Frame is a decoded relay to client message. Which fields are set depends on Type.
type Frame struct {
	Type           string
	SubscriptionID string       // EVENT, EOSE, CLOSED
	Event          *nostr.Event // EVENT
	Message        string       // NOTICE, OK, CLOSED
	EventID        string       // OK
	Accepted       bool         // OK
	Challenge      string       // AUTH
}

// Known reports whether the frame label is one this client understands.
func (f Frame) Known() bool {
	switch f.Type {
	case FrameEvent, FrameEOSE, FrameNotice, FrameOK, FrameClosed, FrameAuth:
		return true
	}
	return false
}

// DecodeFrame parses an inbound JSON array frame. The first element selects
// the variant; the remaining elements must match that variant's shape.
// Frames with an unrecognised label decode without error and are reported
// by Known as unknown.
func DecodeFrame(raw []byte) (Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return Frame{}, errors.MalformedFrameError("frame is not a json array", err)
	}
	if len(elems) == 0 {
		return Frame{}, errors.MalformedFrameError("empty frame", nil)
	}

	var f Frame
	if err := json.Unmarshal(elems[0], &f.Type); err != nil {
		return Frame{}, errors.MalformedFrameError("frame label is not a string", err)
	}

	switch f.Type {
	case FrameEvent:
		if len(elems) != 3 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.SubscriptionID, "subscription id"); err != nil {
			return Frame{}, err
		}
		if !isObject(elems[2]) {
			return Frame{}, errors.MalformedFrameError("event payload is not an object", nil)
		}
		evt := &nostr.Event{}
		if err := json.Unmarshal(elems[2], evt); err != nil {
			return Frame{}, errors.MalformedFrameError("event payload", err)
		}
		f.Event = evt

	case FrameEOSE:
		if len(elems) != 2 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.SubscriptionID, "subscription id"); err != nil {
			return Frame{}, err
		}

	case FrameNotice:
		if len(elems) != 2 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.Message, "notice message"); err != nil {
			return Frame{}, err
		}

	case FrameOK:
		if len(elems) < 3 || len(elems) > 4 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.EventID, "event id"); err != nil {
			return Frame{}, err
		}
		if err := json.Unmarshal(elems[2], &f.Accepted); err != nil {
			return Frame{}, errors.MalformedFrameError("OK status is not a boolean", err)
		}
		if len(elems) == 4 {
			if err := decodeString(elems[3], &f.Message, "OK message"); err != nil {
				return Frame{}, err
			}
		}

	case FrameClosed:
		if len(elems) < 2 || len(elems) > 3 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.SubscriptionID, "subscription id"); err != nil {
			return Frame{}, err
		}
		if len(elems) == 3 {
			if err := decodeString(elems[2], &f.Message, "CLOSED message"); err != nil {
				return Frame{}, err
			}
		}

	case FrameAuth:
		if len(elems) != 2 {
			return Frame{}, arityError(f.Type, len(elems))
		}
		if err := decodeString(elems[1], &f.Challenge, "auth challenge"); err != nil {
			return Frame{}, err
		}
	}

	return f, nil
}

// EncodeReq frames a subscription request.
func EncodeReq(subID string, filter nostr.Filter) ([]byte, error) {
	return json.Marshal([]any{FrameReq, subID, filter})
}

// EncodeClose frames a subscription close.
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{FrameClose, subID})
}

// NewSubscriptionID returns a fresh subscription identifier.
func NewSubscriptionID() string {
	return "notes_" + uuid.NewString()
}

func decodeString(raw json.RawMessage, dst *string, what string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.MalformedFrameError(what+" is not a string", err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func arityError(label string, n int) error {
	return errors.MalformedFrameError(fmt.Sprintf("%s frame has %d elements", label, n), nil)
}
