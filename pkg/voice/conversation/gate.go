package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const DefaultResolveTimeout = 10 * time.Second

var errEmptyConversationID = errors.New("store returned an empty conversation id")

// Creator is the part of store.Store the gate needs.
type Creator interface {
	CreateOrGetConversation(ctx context.Context, userID string) (string, error)
}

type Options struct {
	Creator        Creator
	Policy         backoff.Policy
	ResolveTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Gate resolves the conversation id at most once per session and releases
// everything waiting on it.
type Gate struct {
	conv           *Context
	creator        Creator
	policy         backoff.Policy
	resolveTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	group     singleflight.Group
	ready     chan struct{}
	readyOnce sync.Once

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	lastErr  error
	calls    int
	inflight bool
	// changed is closed and replaced whenever a resolution starts or ends.
	changed chan struct{}
}

func NewGate(conv *Context, opts Options) *Gate {
	if conv == nil {
		conv = NewContext()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Gate{
		conv:           conv,
		creator:        opts.Creator,
		policy:         opts.Policy,
		resolveTimeout: timeout,
		logger:         logger,
		metrics:        opts.Metrics,
		ready:          make(chan struct{}),
		changed:        make(chan struct{}),
		baseCtx:        baseCtx,
		cancel:         cancel,
	}
}

func (g *Gate) Context() *Context { return g.conv }

// Ready is closed once the conversation id is known.
func (g *Gate) Ready() <-chan struct{} { return g.ready }

// Err returns the failure of the last resolution, or nil once resolved.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// Calls reports how many times the store was asked to create a conversation.
func (g *Gate) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// Resolve returns the session's conversation id, creating it on first use.
// Concurrent callers share one creation call. The call itself is not tied to
// ctx; ctx only bounds how long this caller waits.
func (g *Gate) Resolve(ctx context.Context, userID string) (string, error) {
	if id, ok := g.conv.ConversationID(); ok {
		return id, nil
	}
	if userID == "" {
		return "", types.ErrAnonymous
	}
	if g.creator == nil {
		return "", errors.New("conversation gate has no store")
	}

	ch := g.group.DoChan("resolve", func() (any, error) {
		return g.create(userID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *Gate) create(userID string) (string, error) {
	if id, ok := g.conv.ConversationID(); ok {
		return id, nil
	}

	g.mu.Lock()
	g.inflight = true
	g.signalLocked()
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(g.baseCtx, g.resolveTimeout)
	defer cancel()

	var id string
	attempts, err := g.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		g.mu.Lock()
		g.calls++
		g.mu.Unlock()

		got, err := g.creator.CreateOrGetConversation(ctx, userID)
		if err != nil {
			g.logger.Warn("create conversation failed", "attempt", attempt+1, "error", err)
			if errors.Is(err, store.ErrConstraint) {
				return backoff.Permanent(err)
			}
			return err
		}
		if got == "" {
			return errEmptyConversationID
		}
		id = got
		return nil
	})
	if err != nil {
		g.mu.Lock()
		g.lastErr = err
		g.inflight = false
		g.signalLocked()
		g.mu.Unlock()
		g.metrics.RecordConversationResolve("failed")
		g.logger.Error("conversation resolution failed", "attempts", attempts, "error", err)
		return "", err
	}

	if !g.conv.set(userID, id) {
		// Another path won; keep the first id.
		id, _ = g.conv.ConversationID()
	}
	g.readyOnce.Do(func() { close(g.ready) })
	g.mu.Lock()
	g.lastErr = nil
	g.inflight = false
	g.signalLocked()
	g.mu.Unlock()
	g.metrics.RecordConversationResolve("resolved")
	g.logger.Info("conversation resolved", "conversation_id", id, "attempts", attempts)
	return id, nil
}

// WaitUntilReady waits up to timeout per retry, for at most maxRetries
// retries, for the conversation id. It fails with
// *types.ConversationTimeoutError, at once when the last resolution failed
// and none is in flight.
func (g *Gate) WaitUntilReady(ctx context.Context, timeout time.Duration, maxRetries int) error {
	select {
	case <-g.ready:
		return nil
	default:
	}
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	start := time.Now()
	for attempt := 1; attempt <= maxRetries; attempt++ {
		timer := time.NewTimer(timeout)
		for waiting := true; waiting; {
			g.mu.Lock()
			lastErr, inflight, changed := g.lastErr, g.inflight, g.changed
			g.mu.Unlock()
			if lastErr != nil && !inflight {
				timer.Stop()
				return &types.ConversationTimeoutError{Attempts: attempt, Waited: time.Since(start), Err: lastErr}
			}
			select {
			case <-g.ready:
				timer.Stop()
				return nil
			case <-ctx.Done():
				timer.Stop()
				return &types.ConversationTimeoutError{Attempts: attempt, Waited: time.Since(start), Err: ctx.Err()}
			case <-changed:
			case <-timer.C:
				g.logger.Debug("waiting for conversation id", "attempt", attempt, "max", maxRetries)
				waiting = false
			}
		}
	}
	return &types.ConversationTimeoutError{Attempts: maxRetries, Waited: time.Since(start), Err: g.Err()}
}

func (g *Gate) signalLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Close aborts an in-flight resolution.
func (g *Gate) Close() {
	g.cancel()
}
