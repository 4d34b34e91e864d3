package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	TypeSessionUpdate       = "session.update"
	TypeInputAudioAppend    = "input_audio_buffer.append"
	TypeInputAudioClear     = "input_audio_buffer.clear"
	TypeInputAudioCommit    = "input_audio_buffer.commit"
	TypeConversationItemNew = "conversation.item.create"
	TypeResponseCreate      = "response.create"
	TypeResponseCancel      = "response.cancel"
)

// ControlMessage is one outbound JSON frame. Payload holds every field other
// than "type" and must encode to a JSON object (or be empty).
type ControlMessage struct {
	Type    string
	Payload json.RawMessage

	// Priority messages are moved ahead of ordinary ones when a buffered
	// queue is flushed.
	Priority bool
	// Volatile messages replace an older buffered message of the same type.
	Volatile bool
}

// NewControlMessage builds a message whose payload is the JSON encoding of
// fields. fields may be nil.
func NewControlMessage(typ string, fields any) (ControlMessage, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return ControlMessage{}, fmt.Errorf("control message type is required")
	}
	msg := ControlMessage{Type: typ}
	if fields == nil {
		return msg, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return ControlMessage{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Encode returns the wire frame with "type" merged into the payload object.
func (m ControlMessage) Encode() ([]byte, error) {
	typ := strings.TrimSpace(m.Type)
	if typ == "" {
		return nil, fmt.Errorf("control message type is required")
	}
	obj := make(map[string]json.RawMessage)
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		if err := json.Unmarshal(m.Payload, &obj); err != nil {
			return nil, fmt.Errorf("control message %s payload must be a JSON object: %w", typ, err)
		}
	}
	rawType, err := json.Marshal(typ)
	if err != nil {
		return nil, err
	}
	obj["type"] = rawType
	return json.Marshal(obj)
}

type InputAudioTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    *bool   `json:"create_response,omitempty"`
}

type SessionConfig struct {
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	Modalities              []string                 `json:"modalities,omitempty"`
	Voice                   string                   `json:"voice,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
}

// SessionUpdate builds the session configuration message. It is always a
// priority message: on flush it goes out before anything else.
func SessionUpdate(cfg SessionConfig) (ControlMessage, error) {
	msg, err := NewControlMessage(TypeSessionUpdate, struct {
		Session SessionConfig `json:"session"`
	}{Session: cfg})
	if err != nil {
		return ControlMessage{}, err
	}
	msg.Priority = true
	return msg, nil
}

// AudioAppend wraps one PCM16 frame for the input audio buffer.
func AudioAppend(pcm []byte) (ControlMessage, error) {
	return NewControlMessage(TypeInputAudioAppend, struct {
		Audio string `json:"audio"`
	}{Audio: base64.StdEncoding.EncodeToString(pcm)})
}

func InputAudioClear() ControlMessage {
	return ControlMessage{Type: TypeInputAudioClear, Volatile: true}
}

func ResponseCancel() ControlMessage {
	return ControlMessage{Type: TypeResponseCancel, Volatile: true}
}

func ResponseCreate() ControlMessage {
	return ControlMessage{Type: TypeResponseCreate}
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// UserText builds a conversation.item.create carrying typed user input.
func UserText(text string) (ControlMessage, error) {
	if strings.TrimSpace(text) == "" {
		return ControlMessage{}, fmt.Errorf("text is required")
	}
	return NewControlMessage(TypeConversationItemNew, struct {
		Item conversationItem `json:"item"`
	}{Item: conversationItem{
		Type:    "message",
		Role:    "user",
		Content: []contentPart{{Type: "input_text", Text: text}},
	}})
}

// DecodeAudio returns the PCM bytes of an AudioEvent delta.
func DecodeAudio(ev AudioEvent) ([]byte, error) {
	if ev.Delta == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(ev.Delta)
}
