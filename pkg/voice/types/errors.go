package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyConnecting   = errors.New("session is already connecting")
	ErrAlreadyOpen         = errors.New("session is already open")
	ErrReconnectExhausted  = errors.New("reconnect attempts exhausted")
	ErrChannelClosed       = errors.New("control channel closed")
	ErrChannelNotReady     = errors.New("control channel not ready")
	ErrBackpressure        = errors.New("outbound audio backpressure")
	ErrConversationTimeout = errors.New("failed to initialize conversation")
	ErrAnonymous           = errors.New("no signed-in user")
)

// NegotiationError is a transport-level failure while establishing a session.
// It triggers reconnection.
type NegotiationError struct {
	Attempt int
	Err     error
}

func (e *NegotiationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("session negotiation failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ChannelSendError is a per-message control channel failure.
type ChannelSendError struct {
	Type     string
	Attempts int
	Err      error
}

func (e *ChannelSendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("send %s failed after %d attempt(s): %v", e.Type, e.Attempts, e.Err)
}

func (e *ChannelSendError) Unwrap() error { return e.Err }

// ConversationTimeoutError reports that the conversation id could not be
// resolved within the allowed waits.
type ConversationTimeoutError struct {
	Attempts int
	Waited   time.Duration
	Err      error
}

func (e *ConversationTimeoutError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("failed to initialize conversation after %d attempt(s) (%s)", e.Attempts, e.Waited)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversationTimeoutError) Unwrap() error { return e.Err }

func (e *ConversationTimeoutError) Is(target error) bool { return target == ErrConversationTimeout }

// SaveError is a persistence failure after all retries were spent.
type SaveError struct {
	Role     Role
	Attempts int
	Err      error
}

func (e *SaveError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("save %s message failed after %d attempt(s): %v", e.Role, e.Attempts, e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// InvalidRoleError marks content or events that carry no usable role.
type InvalidRoleError struct {
	Role      string
	EventType string
}

func (e *InvalidRoleError) Error() string {
	if e == nil {
		return ""
	}
	if e.EventType != "" {
		return fmt.Sprintf("invalid role %q for event %s", e.Role, e.EventType)
	}
	return fmt.Sprintf("invalid role %q", e.Role)
}
