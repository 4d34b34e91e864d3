// Package store defines the persistence collaborator used to durably record
// conversation turns, plus an in-process implementation.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

// Store is the persistence collaborator.
type Store interface {
	// CreateOrGetConversation is idempotent per user within the reuse window.
	CreateOrGetConversation(ctx context.Context, userID string) (string, error)
	InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error)
}

// DefaultReuseWindow is how long an idle conversation is reused for the same
// user before a new one is started.
const DefaultReuseWindow = 30 * time.Minute

var ErrConstraint = errors.New("constraint violation")

// ConstraintError is returned when a row violates a schema constraint, such
// as an unknown role or conversation. Retrying will not help.
type ConstraintError struct {
	Constraint string
	Err        error
}

func (e *ConstraintError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("constraint %s violated", e.Constraint)
	}
	return fmt.Sprintf("constraint %s violated: %v", e.Constraint, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (e *ConstraintError) Is(target error) bool { return target == ErrConstraint }

// NewMessageID returns a lexically sortable message id.
func NewMessageID(at time.Time) string {
	return ulid.MustNew(ulid.Timestamp(at), rand.Reader).String()
}

func NewConversationID() string {
	return uuid.NewString()
}

// Memory is a Store kept in process memory.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	reuseWindow   time.Duration
	conversations map[string]*memoryConversation
	byUser        map[string]string
}

type memoryConversation struct {
	id        string
	userID    string
	updatedAt time.Time
	messages  []types.Message
}

func NewMemory() *Memory {
	return &Memory{
		now:           time.Now,
		reuseWindow:   DefaultReuseWindow,
		conversations: make(map[string]*memoryConversation),
		byUser:        make(map[string]string),
	}
}

func (m *Memory) SetReuseWindow(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	m.reuseWindow = d
	m.mu.Unlock()
}

func (m *Memory) CreateOrGetConversation(ctx context.Context, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if userID == "" {
		return "", &ConstraintError{Constraint: "conversations_user_id_not_empty"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if id, ok := m.byUser[userID]; ok {
		if c := m.conversations[id]; c != nil && now.Sub(c.updatedAt) < m.reuseWindow {
			return id, nil
		}
	}
	c := &memoryConversation{id: NewConversationID(), userID: userID, updatedAt: now}
	m.conversations[c.id] = c
	m.byUser[userID] = c.id
	return c.id, nil
}

func (m *Memory) InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error) {
	if err := ctx.Err(); err != nil {
		return types.Message{}, err
	}
	if !role.Valid() {
		return types.Message{}, &ConstraintError{Constraint: "messages_role_check", Err: &types.InvalidRoleError{Role: string(role)}}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[conversationID]
	if c == nil {
		return types.Message{}, &ConstraintError{Constraint: "messages_conversation_id_fkey"}
	}
	now := m.now()
	msg := types.Message{
		ID:             NewMessageID(now),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	c.messages = append(c.messages, msg)
	c.updatedAt = now
	return msg, nil
}

// Messages returns a copy of the conversation's messages in insert order.
func (m *Memory) Messages(conversationID string) []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conversations[conversationID]
	if c == nil {
		return nil
	}
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}
