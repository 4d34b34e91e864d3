package savequeue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/conversation"
	"github.com/vango-go/vai-voice/pkg/voice/dedup"
	"github.com/vango-go/vai-voice/pkg/voice/notify"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fastPolicy(attempts int) backoff.Policy {
	return backoff.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 4 * time.Millisecond}
}

func contents(msgs []types.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func flush(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func resolvedGate(t *testing.T, st *store.Memory) *conversation.Gate {
	t.Helper()
	g := conversation.NewGate(nil, conversation.Options{Creator: st})
	t.Cleanup(g.Close)
	if _, err := g.Resolve(context.Background(), "user-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return g
}

func TestQueue_DedupWindow(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	g := resolvedGate(t, st)
	q := New(Options{
		Store:  st,
		Gate:   g,
		Dedup:  dedup.New(dedup.Options{Window: 5 * time.Second, Now: clk.Now}),
		Policy: fastPolicy(1),
		Now:    clk.Now,
	})
	defer q.Close()

	if err := q.Submit(types.RoleUser, "hi"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clk.Advance(time.Second)
	if err := q.Submit(types.RoleUser, "hi"); err != nil {
		t.Fatalf("submit dup: %v", err)
	}
	flush(t, q)

	convID, _ := g.Context().ConversationID()
	if got := contents(st.Messages(convID)); !cmp.Equal(got, []string{"hi"}) {
		t.Fatalf("messages inside window=%v, want one", got)
	}

	clk.Advance(10 * time.Second)
	if err := q.Submit(types.RoleUser, "hi"); err != nil {
		t.Fatalf("submit after window: %v", err)
	}
	flush(t, q)

	if got := contents(st.Messages(convID)); !cmp.Equal(got, []string{"hi", "hi"}) {
		t.Fatalf("messages after window=%v, want two", got)
	}
	if got := g.Context().MessageCount(); got != 2 {
		t.Fatalf("message count=%d, want 2", got)
	}
}

func TestQueue_SharedDedupIsScopedPerUser(t *testing.T) {
	st := store.NewMemory()
	shared := dedup.New(dedup.Options{Window: time.Minute})

	type user struct {
		id   string
		gate *conversation.Gate
		q    *Queue
	}
	var users []user
	for _, id := range []string{"alice", "bob"} {
		g := conversation.NewGate(nil, conversation.Options{Creator: st})
		t.Cleanup(g.Close)
		if _, err := g.Resolve(context.Background(), id); err != nil {
			t.Fatalf("resolve %s: %v", id, err)
		}
		q := New(Options{Store: st, Gate: g, Dedup: shared, Scope: "user:" + id, Policy: fastPolicy(1)})
		t.Cleanup(q.Close)
		users = append(users, user{id: id, gate: g, q: q})
	}

	for _, u := range users {
		if err := u.q.Submit(types.RoleUser, "yes"); err != nil {
			t.Fatalf("%s submit: %v", u.id, err)
		}
	}
	for _, u := range users {
		flush(t, u.q)
		convID, _ := u.gate.Context().ConversationID()
		if got := contents(st.Messages(convID)); !cmp.Equal(got, []string{"yes"}) {
			t.Fatalf("%s saved=%v, want [yes]", u.id, got)
		}
		if got := len(u.q.Records()); got != 1 {
			t.Fatalf("%s local records=%d, want 1", u.id, got)
		}
	}
}

func TestQueue_HoldsTurnsUntilConversationResolves(t *testing.T) {
	st := store.NewMemory()
	g := conversation.NewGate(nil, conversation.Options{Creator: st})
	defer g.Close()
	q := New(Options{
		Store:        st,
		Gate:         g,
		Policy:       fastPolicy(1),
		ReadyTimeout: time.Second,
		ReadyRetries: 5,
	})
	defer q.Close()

	for _, text := range []string{"A", "B", "C"} {
		if err := q.Submit(types.RoleUser, text); err != nil {
			t.Fatalf("submit %s: %v", text, err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	if q.Len() != 3 {
		t.Fatalf("pending=%d before resolution, want 3", q.Len())
	}

	convID, err := g.Resolve(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	flush(t, q)

	if diff := cmp.Diff([]string{"A", "B", "C"}, contents(st.Messages(convID))); diff != "" {
		t.Fatalf("persisted order mismatch (-want +got):\n%s", diff)
	}
	for _, rec := range q.Records() {
		if !rec.Confirmed || rec.ConversationID != convID {
			t.Fatalf("record not confirmed: %+v", rec)
		}
	}
}

type failingStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingStore) InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return types.Message{}, f.err
}

func TestQueue_FailureKeepsUnconfirmedRecord(t *testing.T) {
	mem := store.NewMemory()
	g := resolvedGate(t, mem)
	fs := &failingStore{err: errors.New("db down")}
	bus := notify.NewBus(4)
	q := New(Options{Store: fs, Gate: g, Policy: fastPolicy(3), Notify: bus})
	defer q.Close()

	if err := q.Submit(types.RoleAssistant, "hello there"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	flush(t, q)

	if fs.calls != 3 {
		t.Fatalf("insert calls=%d, want 3", fs.calls)
	}
	recs := q.Records()
	if len(recs) != 1 {
		t.Fatalf("records=%d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Confirmed || rec.Content != "hello there" || rec.ID == "" {
		t.Fatalf("record=%+v", rec)
	}
	var se *types.SaveError
	if !errors.As(rec.Err, &se) || se.Attempts != 3 || se.Role != types.RoleAssistant {
		t.Fatalf("record err=%v, want SaveError after 3 attempts", rec.Err)
	}

	select {
	case n := <-bus.C():
		if n.Kind != notify.KindSaveFailed {
			t.Fatalf("notification kind=%s", n.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a save-failed notification")
	}
}

type brokenCreator struct{}

func (brokenCreator) CreateOrGetConversation(context.Context, string) (string, error) {
	return "", errors.New("db down")
}

func TestQueue_FailedResolutionDoesNotStallEachTurn(t *testing.T) {
	g := conversation.NewGate(nil, conversation.Options{Creator: brokenCreator{}, Policy: fastPolicy(1)})
	defer g.Close()
	if _, err := g.Resolve(context.Background(), "user-1"); err == nil {
		t.Fatal("expected resolution to fail")
	}
	q := New(Options{
		Store:        store.NewMemory(),
		Gate:         g,
		Policy:       fastPolicy(1),
		ReadyTimeout: 5 * time.Second,
		ReadyRetries: 3,
	})
	defer q.Close()

	for _, c := range []string{"a", "b", "c"} {
		if err := q.Submit(types.RoleUser, c); err != nil {
			t.Fatalf("submit %s: %v", c, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	recs := q.Records()
	if len(recs) != 3 {
		t.Fatalf("records=%d, want 3", len(recs))
	}
	for _, rec := range recs {
		if rec.Confirmed || !errors.Is(rec.Err, types.ErrConversationTimeout) {
			t.Fatalf("record=%+v, want unconfirmed with a conversation timeout", rec)
		}
	}
}

func TestQueue_ConstraintErrorNotRetried(t *testing.T) {
	mem := store.NewMemory()
	g := resolvedGate(t, mem)
	fs := &failingStore{err: &store.ConstraintError{Constraint: "messages_role_check"}}
	q := New(Options{Store: fs, Gate: g, Policy: fastPolicy(5)})
	defer q.Close()

	_ = q.Submit(types.RoleUser, "x")
	flush(t, q)
	if fs.calls != 1 {
		t.Fatalf("insert calls=%d, want 1", fs.calls)
	}
}

func TestQueue_AnonymousKeepsLocalOnly(t *testing.T) {
	fs := &failingStore{}
	q := New(Options{Store: fs, Anonymous: true})
	defer q.Close()

	if err := q.Submit(types.RoleUser, "secret"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	flush(t, q)

	if fs.calls != 0 {
		t.Fatalf("insert calls=%d, want 0", fs.calls)
	}
	recs := q.Records()
	if len(recs) != 1 || !recs[0].Local || recs[0].Confirmed {
		t.Fatalf("records=%+v", recs)
	}
}

func TestQueue_SubmitValidation(t *testing.T) {
	q := New(Options{Anonymous: true})
	defer q.Close()

	var ire *types.InvalidRoleError
	if err := q.Submit(types.Role("system"), "x"); !errors.As(err, &ire) {
		t.Fatalf("err=%v, want InvalidRoleError", err)
	}
	if err := q.Submit(types.RoleUser, "   "); err != nil {
		t.Fatalf("blank submit err=%v", err)
	}
	if n := len(q.Records()); n != 0 {
		t.Fatalf("records=%d, want 0", n)
	}
}

func TestQueue_CloseLeavesPendingUnconfirmed(t *testing.T) {
	st := store.NewMemory()
	g := conversation.NewGate(nil, conversation.Options{Creator: st})
	defer g.Close()
	q := New(Options{Store: st, Gate: g, ReadyTimeout: time.Second, ReadyRetries: 10})

	_ = q.Submit(types.RoleUser, "pending turn")
	q.Close()
	q.Close()

	if err := q.Submit(types.RoleUser, "late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err=%v, want ErrClosed", err)
	}
	recs := q.Records()
	if len(recs) != 1 || recs[0].Confirmed {
		t.Fatalf("records=%+v", recs)
	}
}
