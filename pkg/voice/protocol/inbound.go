package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vango-go/vai-voice/pkg/voice/events"
)

type DecodeError struct {
	Code    string
	Message string
	Type    string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Type) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Type)
}

func badFrame(message, typ string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Type: typ}
}

// Event is the tagged union of inbound server events. Each variant belongs to
// exactly one events.Category; UnknownEvent carries anything else.
type Event interface {
	EventType() string
	Category() events.Category
}

type SessionInfo struct {
	ID         string   `json:"id"`
	Model      string   `json:"model,omitempty"`
	Voice      string   `json:"voice,omitempty"`
	Modalities []string `json:"modalities,omitempty"`
}

// SessionEvent is session.created / session.updated.
type SessionEvent struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Session SessionInfo `json:"session"`
}

// TranscriptDeltaEvent carries an incremental text fragment for either role.
type TranscriptDeltaEvent struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	ContentIndex int    `json:"content_index,omitempty"`
	Delta        string `json:"delta"`
}

// TranscriptDoneEvent closes an utterance. Depending on the event type the
// full text arrives in Transcript or Text; Final() picks whichever is set.
type TranscriptDoneEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`
}

func (e TranscriptDoneEvent) Final() string {
	if e.Transcript != "" {
		return e.Transcript
	}
	return e.Text
}

type TranscriptFailedEvent struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	ItemID  string      `json:"item_id,omitempty"`
	Error   ErrorDetail `json:"error"`
}

// ActivityEvent is a speech/playback boundary signal without text.
type ActivityEvent struct {
	Type         string `json:"type"`
	EventID      string `json:"event_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	AudioStartMS int64  `json:"audio_start_ms,omitempty"`
	AudioEndMS   int64  `json:"audio_end_ms,omitempty"`
}

// AudioEvent is an assistant audio chunk (Delta is base64 PCM16) or the
// end-of-audio marker.
type AudioEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
}

type ResponseInfo struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

type ResponseEvent struct {
	Type     string       `json:"type"`
	EventID  string       `json:"event_id,omitempty"`
	Response ResponseInfo `json:"response"`
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

type ErrorEvent struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id,omitempty"`
	Error   ErrorDetail `json:"error"`
}

// InfoEvent is a known event that needs no handling beyond logging.
type InfoEvent struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnknownEvent is any type missing from the registry.
type UnknownEvent struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e SessionEvent) EventType() string          { return e.Type }
func (e TranscriptDeltaEvent) EventType() string  { return e.Type }
func (e TranscriptDoneEvent) EventType() string   { return e.Type }
func (e TranscriptFailedEvent) EventType() string { return e.Type }
func (e ActivityEvent) EventType() string         { return e.Type }
func (e AudioEvent) EventType() string            { return e.Type }
func (e ResponseEvent) EventType() string         { return e.Type }
func (e ErrorEvent) EventType() string            { return e.Type }
func (e InfoEvent) EventType() string             { return e.Type }
func (e UnknownEvent) EventType() string          { return e.Type }

func (SessionEvent) Category() events.Category          { return events.CategorySession }
func (TranscriptDeltaEvent) Category() events.Category  { return events.CategoryTranscriptDelta }
func (TranscriptDoneEvent) Category() events.Category   { return events.CategoryTranscriptDone }
func (TranscriptFailedEvent) Category() events.Category { return events.CategoryTranscriptFailed }
func (ActivityEvent) Category() events.Category         { return events.CategoryActivity }
func (AudioEvent) Category() events.Category            { return events.CategoryAudio }
func (ResponseEvent) Category() events.Category         { return events.CategoryResponse }
func (ErrorEvent) Category() events.Category            { return events.CategoryError }
func (InfoEvent) Category() events.Category             { return events.CategoryInfo }
func (UnknownEvent) Category() events.Category          { return events.CategoryUnknown }

// DecodeServerEvent parses one inbound JSON frame into its variant. The
// variant is chosen from the registry category of the "type" field, never
// from which payload fields happen to be present.
func DecodeServerEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "")
	}

	switch events.CategoryOf(typ) {
	case events.CategorySession:
		var ev SessionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid session event", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryTranscriptDelta:
		var ev TranscriptDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid transcript delta", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryTranscriptDone:
		var ev TranscriptDoneEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid transcript done", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryTranscriptFailed:
		var ev TranscriptFailedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid transcript failure", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryActivity:
		var ev ActivityEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid activity event", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryAudio:
		var ev AudioEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid audio event", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryResponse:
		var ev ResponseEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid response event", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, badFrame("invalid error event", typ)
		}
		ev.Type = typ
		return ev, nil
	case events.CategoryInfo:
		return InfoEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
