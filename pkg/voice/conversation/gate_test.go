package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

type fakeCreator struct {
	calls   atomic.Int32
	release chan struct{}
	errs    []error
	id      string
}

func (f *fakeCreator) CreateOrGetConversation(ctx context.Context, userID string) (string, error) {
	n := int(f.calls.Add(1))
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if n <= len(f.errs) && f.errs[n-1] != nil {
		return "", f.errs[n-1]
	}
	return f.id, nil
}

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func TestGate_ConcurrentResolveCreatesOnce(t *testing.T) {
	creator := &fakeCreator{release: make(chan struct{}), id: "conv-1"}
	g := NewGate(nil, Options{Creator: creator, Policy: fastPolicy(1)})
	defer g.Close()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = g.Resolve(context.Background(), "user-1")
		}(i)
	}

	// Let the callers pile up on the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(creator.release)
	wg.Wait()

	if got := creator.calls.Load(); got != 1 {
		t.Fatalf("create calls=%d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || ids[i] != "conv-1" {
			t.Fatalf("caller %d got (%q, %v)", i, ids[i], errs[i])
		}
	}
	select {
	case <-g.Ready():
	default:
		t.Fatal("Ready should be closed after resolution")
	}
	if id, ok := g.Context().ConversationID(); !ok || id != "conv-1" {
		t.Fatalf("context id=(%q,%v)", id, ok)
	}
	if got := g.Context().UserID(); got != "user-1" {
		t.Fatalf("context user=%q", got)
	}
}

func TestGate_ResolvedReturnsWithoutCall(t *testing.T) {
	creator := &fakeCreator{id: "conv-1"}
	g := NewGate(nil, Options{Creator: creator})
	defer g.Close()

	for i := 0; i < 3; i++ {
		if _, err := g.Resolve(context.Background(), "user-1"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if got := creator.calls.Load(); got != 1 {
		t.Fatalf("create calls=%d, want 1", got)
	}
}

func TestGate_RetriesTransientFailures(t *testing.T) {
	creator := &fakeCreator{id: "conv-2", errs: []error{errors.New("boom"), errors.New("boom")}}
	g := NewGate(nil, Options{Creator: creator, Policy: fastPolicy(3)})
	defer g.Close()

	id, err := g.Resolve(context.Background(), "user-1")
	if err != nil || id != "conv-2" {
		t.Fatalf("resolve=(%q,%v)", id, err)
	}
	if got := creator.calls.Load(); got != 3 {
		t.Fatalf("create calls=%d, want 3", got)
	}
}

func TestGate_ConstraintErrorIsNotRetried(t *testing.T) {
	creator := &fakeCreator{errs: []error{&store.ConstraintError{Constraint: "x"}}}
	g := NewGate(nil, Options{Creator: creator, Policy: fastPolicy(5)})
	defer g.Close()

	_, err := g.Resolve(context.Background(), "user-1")
	if !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("err=%v, want constraint error", err)
	}
	if got := creator.calls.Load(); got != 1 {
		t.Fatalf("create calls=%d, want 1", got)
	}
	if g.Err() == nil {
		t.Fatal("Err should report the failure")
	}
}

func TestGate_AnonymousDoesNotResolve(t *testing.T) {
	creator := &fakeCreator{id: "conv-1"}
	g := NewGate(nil, Options{Creator: creator})
	defer g.Close()

	if _, err := g.Resolve(context.Background(), ""); !errors.Is(err, types.ErrAnonymous) {
		t.Fatalf("err=%v, want ErrAnonymous", err)
	}
	if got := creator.calls.Load(); got != 0 {
		t.Fatalf("create calls=%d, want 0", got)
	}
}

func TestGate_WaitUntilReady(t *testing.T) {
	creator := &fakeCreator{id: "conv-1"}
	g := NewGate(nil, Options{Creator: creator})
	defer g.Close()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = g.Resolve(context.Background(), "user-1")
	}()
	if err := g.WaitUntilReady(context.Background(), 50*time.Millisecond, 5); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestGate_WaitUntilReadyTimesOut(t *testing.T) {
	g := NewGate(nil, Options{})
	defer g.Close()

	err := g.WaitUntilReady(context.Background(), 2*time.Millisecond, 3)
	if !errors.Is(err, types.ErrConversationTimeout) {
		t.Fatalf("err=%v, want conversation timeout", err)
	}
	var te *types.ConversationTimeoutError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("err=%#v, want 3 attempts", err)
	}
}

func TestGate_WaitUntilReadyFailsFastAfterResolutionFails(t *testing.T) {
	creator := &fakeCreator{errs: []error{&store.ConstraintError{Constraint: "x"}}}
	g := NewGate(nil, Options{Creator: creator, Policy: fastPolicy(1)})
	defer g.Close()

	if _, err := g.Resolve(context.Background(), "user-1"); err == nil {
		t.Fatal("expected resolution to fail")
	}
	start := time.Now()
	err := g.WaitUntilReady(context.Background(), time.Second, 3)
	if !errors.Is(err, types.ErrConversationTimeout) || !errors.Is(err, store.ErrConstraint) {
		t.Fatalf("err=%v, want conversation timeout wrapping the constraint error", err)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("waited %v after a failed resolution", waited)
	}
}

func TestGate_WaitUntilReadyWakesWhenInFlightResolutionFails(t *testing.T) {
	creator := &fakeCreator{release: make(chan struct{}), errs: []error{errors.New("db down")}}
	g := NewGate(nil, Options{Creator: creator, Policy: fastPolicy(1)})
	defer g.Close()

	go func() { _, _ = g.Resolve(context.Background(), "user-1") }()
	for creator.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	done := make(chan error, 1)
	go func() { done <- g.WaitUntilReady(context.Background(), time.Second, 3) }()
	time.Sleep(5 * time.Millisecond)
	close(creator.release)

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrConversationTimeout) {
			t.Fatalf("err=%v, want conversation timeout", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiter kept waiting after the resolution failed")
	}
}

func TestContext_Nil(t *testing.T) {
	var c *Context
	if id, ok := c.ConversationID(); id != "" || ok {
		t.Fatal("nil context should be unresolved")
	}
	c.AddMessage()
	if c.MessageCount() != 0 {
		t.Fatal("nil context count should be 0")
	}
}
