package types

import (
	"strings"
	"time"
)

// Role identifies which side of the conversation produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

func (r Role) String() string { return string(r) }

// ParseRole accepts the persisted/wire spelling of a role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", &InvalidRoleError{Role: raw}
	}
	return r, nil
}

// Message is a persisted conversation turn. It is immutable once created.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Status is the UI-facing connection status.
type Status string

const (
	StatusDisconnected Status = "Disconnected"
	StatusConnecting   Status = "Connecting"
	StatusConnected    Status = "Connected"
	StatusReconnecting Status = "Reconnecting"
	StatusError        Status = "Error"
)

// VoiceActivity is the voice-activity indicator shown while a session runs.
type VoiceActivity int

const (
	ActivityIdle VoiceActivity = iota
	ActivityInput
	ActivityOutput
)

func (a VoiceActivity) String() string {
	switch a {
	case ActivityInput:
		return "Input"
	case ActivityOutput:
		return "Output"
	default:
		return "Idle"
	}
}

func (s Status) String() string { return string(s) }
