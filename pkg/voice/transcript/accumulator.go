package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/types"
)

// Utterance is one continuous span of text for a single role.
type Utterance struct {
	Role      types.Role
	Text      string
	StartedAt time.Time
	Finalized bool
}

// Accumulator merges streamed fragments into the live utterance of one role.
// Fragments are applied in call order; reordering is not attempted.
type Accumulator struct {
	role types.Role
	now  func() time.Time

	mu        sync.Mutex
	buf       strings.Builder
	startedAt time.Time
	finalized bool
}

func NewAccumulator(role types.Role, now func() time.Time) *Accumulator {
	if now == nil {
		now = time.Now
	}
	return &Accumulator{role: role, now: now}
}

func (a *Accumulator) Role() types.Role { return a.role }

// Accumulate appends delta. Accumulating after Finalize without a Reset
// starts a new utterance.
func (a *Accumulator) Accumulate(delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beginLocked()
	a.buf.WriteString(delta)
}

// SetFull replaces the accumulated text with an interim full transcript.
func (a *Accumulator) SetFull(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.beginLocked()
	a.buf.Reset()
	a.buf.WriteString(text)
}

// Finalize marks the utterance finalized and returns its text. The caller
// resets the accumulator before the next utterance.
func (a *Accumulator) Finalize() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = true
	return a.buf.String()
}

func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// Text returns the text accumulated so far without finalizing.
func (a *Accumulator) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Pending reports whether there is unfinalized, non-blank text.
func (a *Accumulator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.finalized && strings.TrimSpace(a.buf.String()) != ""
}

func (a *Accumulator) Utterance() Utterance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Utterance{Role: a.role, Text: a.buf.String(), StartedAt: a.startedAt, Finalized: a.finalized}
}

func (a *Accumulator) beginLocked() {
	if a.finalized {
		a.resetLocked()
	}
	if a.startedAt.IsZero() {
		a.startedAt = a.now()
	}
}

func (a *Accumulator) resetLocked() {
	a.buf.Reset()
	a.startedAt = time.Time{}
	a.finalized = false
}
