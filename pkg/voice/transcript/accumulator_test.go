package transcript

import (
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/types"
)

func TestAccumulator_RoundTrip(t *testing.T) {
	a := NewAccumulator(types.RoleAssistant, nil)
	for _, d := range []string{"Hel", "lo "} {
		a.Accumulate(d)
	}
	a.Accumulate("world")
	if got := a.Finalize(); got != "Hello world" {
		t.Fatalf("Finalize()=%q, want %q", got, "Hello world")
	}
	if !a.Utterance().Finalized {
		t.Fatalf("expected utterance to be finalized")
	}
}

func TestAccumulator_SetFullReplaces(t *testing.T) {
	a := NewAccumulator(types.RoleUser, nil)
	a.Accumulate("helo")
	a.SetFull("hello there")
	a.Accumulate("!")
	if got := a.Finalize(); got != "hello there!" {
		t.Fatalf("Finalize()=%q", got)
	}
}

func TestAccumulator_ResetStartsNewUtterance(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := NewAccumulator(types.RoleUser, func() time.Time { return now })
	a.Accumulate("first")
	_ = a.Finalize()
	a.Reset()
	if a.Text() != "" || a.Pending() {
		t.Fatalf("expected empty accumulator after reset")
	}
	a.Accumulate("second")
	u := a.Utterance()
	if u.Text != "second" || u.Finalized || !u.StartedAt.Equal(now) || u.Role != types.RoleUser {
		t.Fatalf("unexpected utterance %+v", u)
	}
}

func TestAccumulator_AccumulateAfterFinalizeStartsFresh(t *testing.T) {
	a := NewAccumulator(types.RoleAssistant, nil)
	a.Accumulate("old")
	_ = a.Finalize()
	a.Accumulate("new")
	if got := a.Text(); got != "new" {
		t.Fatalf("Text()=%q, want new", got)
	}
	if !a.Pending() {
		t.Fatalf("expected pending utterance")
	}
}
