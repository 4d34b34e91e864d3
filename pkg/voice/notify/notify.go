// Package notify carries one-shot, toast-style notifications from a voice
// session to whatever UI is attached.
package notify

import (
	"fmt"
	"sync"
	"time"
)

type Kind string

const (
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindReconnect  Kind = "reconnect"
	KindError      Kind = "error"
	KindSaveFailed Kind = "save_failed"
	KindInfo       Kind = "info"
)

// Notification is a single user-visible message. Blocking notifications
// describe terminal states that need explicit user action.
type Notification struct {
	Kind     Kind
	Message  string
	Blocking bool
	At       time.Time
}

const DefaultBuffer = 64

// Bus fans notifications into a buffered channel. Publish never blocks; when
// the buffer is full the notification is counted as dropped.
type Bus struct {
	mu      sync.Mutex
	ch      chan Notification
	closed  bool
	dropped int
	now     func() time.Time
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{ch: make(chan Notification, buffer), now: time.Now}
}

// C returns the receive side. It is closed by Close.
func (b *Bus) C() <-chan Notification {
	if b == nil {
		return nil
	}
	return b.ch
}

// Publish reports whether n was queued.
func (b *Bus) Publish(n Notification) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if n.At.IsZero() {
		n.At = b.now()
	}
	select {
	case b.ch <- n:
		return true
	default:
		b.dropped++
		return false
	}
}

func (b *Bus) Publishf(kind Kind, blocking bool, format string, args ...any) bool {
	return b.Publish(Notification{Kind: kind, Message: fmt.Sprintf(format, args...), Blocking: blocking})
}

func (b *Bus) Dropped() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
