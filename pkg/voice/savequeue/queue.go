// Package savequeue persists finalized turns in the order they were
// finalized, holding them until the conversation id is known.
package savequeue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/conversation"
	"github.com/vango-go/vai-voice/pkg/voice/dedup"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/notify"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

var ErrClosed = errors.New("save queue closed")

const (
	DefaultReadyTimeout = 5 * time.Second
	DefaultReadyRetries = 3
	flushPollInterval   = 10 * time.Millisecond
)

// Gate is the read side of conversation.Gate.
type Gate interface {
	WaitUntilReady(ctx context.Context, timeout time.Duration, maxRetries int) error
	Context() *conversation.Context
}

type Inserter interface {
	InsertMessage(ctx context.Context, conversationID string, role types.Role, content string) (types.Message, error)
}

type Options struct {
	Store Inserter
	Gate  Gate
	Dedup *dedup.Deduplicator

	// Scope keys duplicate detection to one transcript owner, normally the
	// user id. Empty gets a scope unique to this queue.
	Scope string

	// Anonymous keeps every turn local. Nothing is sent to Store.
	Anonymous bool

	Policy       backoff.Policy
	ReadyTimeout time.Duration
	ReadyRetries int

	Notify  *notify.Bus
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Record is one turn in the local transcript. Unconfirmed records are the
// visible fallback for turns that were not (yet) durably saved.
type Record struct {
	ID             string
	Seq            uint64
	Role           types.Role
	Content        string
	ConversationID string
	CreatedAt      time.Time
	Confirmed      bool
	Local          bool
	Err            error
}

type request struct {
	role        types.Role
	content     string
	fingerprint string
	attempt     int
	seq         uint64
	submittedAt time.Time
}

type Queue struct {
	store        Inserter
	gate         Gate
	dedup        *dedup.Deduplicator
	scope        string
	anonymous    bool
	policy       backoff.Policy
	readyTimeout time.Duration
	readyRetries int
	notify       *notify.Bus
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	seq     uint64
	pending []*request
	records []Record
	bySeq   map[uint64]int
	closed  bool

	closeOnce sync.Once
}

// New starts the queue's worker. Close stops it.
func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	dd := opts.Dedup
	if dd == nil {
		dd = dedup.New(dedup.Options{Now: now})
	}
	scope := opts.Scope
	if scope == "" {
		scope = "queue:" + store.NewMessageID(now())
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	readyRetries := opts.ReadyRetries
	if readyRetries <= 0 {
		readyRetries = DefaultReadyRetries
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:        opts.Store,
		gate:         opts.Gate,
		dedup:        dd,
		scope:        scope,
		anonymous:    opts.Anonymous || opts.Store == nil || opts.Gate == nil,
		policy:       opts.Policy,
		readyTimeout: readyTimeout,
		readyRetries: readyRetries,
		notify:       opts.Notify,
		logger:       logger,
		metrics:      opts.Metrics,
		now:          now,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		bySeq:        make(map[uint64]int),
	}
	go q.run()
	return q
}

// Submit queues a finalized turn. Blank content is ignored and a duplicate
// of a turn submitted inside the dedup window is a no-op. Submit never waits
// on the network.
func (q *Queue) Submit(role types.Role, content string) error {
	if !role.Valid() {
		err := &types.InvalidRoleError{Role: string(role)}
		q.logger.Warn("dropping turn with invalid role", "role", string(role))
		return err
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	dup, fp, err := q.dedup.Seen(q.ctx, q.scope, role, content)
	if err != nil {
		// Treated as not seen.
		q.logger.Warn("dedup check failed", "role", string(role), "error", err)
	}
	if dup {
		q.metrics.RecordDuplicate(string(role))
		q.logger.Debug("duplicate turn suppressed", "role", string(role), "fingerprint", fp)
		return nil
	}

	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.seq++
	rec := Record{
		ID:        "tmp_" + store.NewMessageID(now),
		Seq:       q.seq,
		Role:      role,
		Content:   content,
		CreatedAt: now,
		Local:     q.anonymous,
	}
	q.bySeq[rec.Seq] = len(q.records)
	q.records = append(q.records, rec)

	if q.anonymous {
		q.metrics.RecordSave(string(role), "local", 0)
		return nil
	}
	q.pending = append(q.pending, &request{
		role:        role,
		content:     content,
		fingerprint: fp,
		seq:         rec.Seq,
		submittedAt: now,
	})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of turns waiting to be saved.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush waits until every submitted turn has been saved or given up on, or
// until ctx ends.
func (q *Queue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()
	for {
		if q.Len() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops the worker. Turns still pending stay in Records as unconfirmed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		left := len(q.pending)
		q.mu.Unlock()

		q.cancel()
		<-q.done
		if left > 0 {
			q.logger.Warn("save queue closed with unsaved turns", "pending", left)
		}
	})
}

// Records returns the local transcript in submission order.
func (q *Queue) Records() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.records))
	copy(out, q.records)
	return out
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		req, ok := q.next()
		if !ok {
			return
		}
		if !q.process(req) {
			return
		}
		q.mu.Lock()
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}

// next blocks until there is a request at the head of the queue.
func (q *Queue) next() (*request, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.mu.Unlock()
			return req, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

// process saves req. It returns false when the queue is shutting down and
// req was left unsaved.
func (q *Queue) process(req *request) bool {
	if err := q.gate.WaitUntilReady(q.ctx, q.readyTimeout, q.readyRetries); err != nil {
		if q.ctx.Err() != nil {
			return false
		}
		q.fail(req, 0, err)
		q.notify.Publishf(notify.KindError, false, "failed to initialize conversation")
		return true
	}
	convID, _ := q.gate.Context().ConversationID()

	var msg types.Message
	attempts, err := q.policy.Do(q.ctx, func(ctx context.Context, attempt int) error {
		req.attempt = attempt + 1
		m, err := q.store.InsertMessage(ctx, convID, req.role, req.content)
		if err != nil {
			q.logger.Warn("save message failed", "role", string(req.role), "attempt", attempt+1, "error", err)
			if errors.Is(err, store.ErrConstraint) {
				return backoff.Permanent(err)
			}
			return err
		}
		msg = m
		return nil
	})
	if err != nil {
		if q.ctx.Err() != nil {
			return false
		}
		q.fail(req, attempts, err)
		return true
	}

	q.mu.Lock()
	if i, ok := q.bySeq[req.seq]; ok {
		rec := &q.records[i]
		rec.ID = msg.ID
		rec.ConversationID = msg.ConversationID
		if !msg.CreatedAt.IsZero() {
			rec.CreatedAt = msg.CreatedAt
		}
		rec.Confirmed = true
		rec.Err = nil
	}
	q.mu.Unlock()

	q.gate.Context().AddMessage()
	q.metrics.RecordSave(string(req.role), "saved", q.now().Sub(req.submittedAt))
	q.logger.Debug("message saved", "role", string(req.role), "message_id", msg.ID, "conversation_id", convID)
	return true
}

func (q *Queue) fail(req *request, attempts int, cause error) {
	err := &types.SaveError{Role: req.role, Attempts: attempts, Err: cause}
	q.mu.Lock()
	if i, ok := q.bySeq[req.seq]; ok {
		q.records[i].Err = err
	}
	q.mu.Unlock()

	q.metrics.RecordSave(string(req.role), "failed", 0)
	q.logger.Error("message not saved", "role", string(req.role), "fingerprint", req.fingerprint, "attempts", attempts, "error", cause)
	q.notify.Publishf(notify.KindSaveFailed, false, "%s message not confirmed saved", req.role)
}
