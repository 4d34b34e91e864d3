// Package controlqueue buffers outbound control messages until the control
// channel is open and delivers them in order.
package controlqueue

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const DefaultMaxBuffered = 256

// Sender is the transport's control side.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
	Ready() bool
}

type Options struct {
	Sender      Sender
	Policy      backoff.Policy
	MaxBuffered int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type entry struct {
	msg        protocol.ControlMessage
	enqueuedAt time.Time
	retryCount int
	seq        uint64
}

type Queue struct {
	sender      Sender
	policy      backoff.Policy
	maxBuffered int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu       sync.Mutex
	seq      uint64
	buf      []*entry
	flushing bool
	dropped  int

	// flushSem admits one Flush at a time; waiting for it honors ctx.
	flushSem chan struct{}
}

func New(opts Options) *Queue {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxBuffered := opts.MaxBuffered
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	return &Queue{
		sender:      opts.Sender,
		policy:      opts.Policy,
		maxBuffered: maxBuffered,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		flushSem:    make(chan struct{}, 1),
	}
}

// IsReady reports whether the control channel is open.
func (q *Queue) IsReady() bool {
	return q.sender != nil && q.sender.Ready()
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many messages were given up on.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Enqueue sends msg now if the channel is open and nothing is waiting ahead
// of it; otherwise msg is buffered until the next Flush. A buffered volatile
// message is replaced by a newer one of the same type.
func (q *Queue) Enqueue(ctx context.Context, msg protocol.ControlMessage) error {
	if msg.Type == "" {
		return errors.New("control message type is required")
	}

	q.mu.Lock()
	direct := q.IsReady() && len(q.buf) == 0 && !q.flushing
	if !direct {
		q.bufferLocked(msg)
		q.mu.Unlock()
		return nil
	}
	q.seq++
	e := &entry{msg: msg, enqueuedAt: q.now(), seq: q.seq}
	q.mu.Unlock()

	err := q.send(ctx, e)
	if err == nil {
		return nil
	}
	if errors.Is(err, types.ErrChannelNotReady) || errors.Is(err, types.ErrChannelClosed) {
		// The channel dropped between the check and the send.
		q.mu.Lock()
		q.buf = append([]*entry{e}, q.buf...)
		q.metrics.SetControlBuffered(len(q.buf))
		q.mu.Unlock()
		return nil
	}
	q.drop(e, err)
	return err
}

func (q *Queue) bufferLocked(msg protocol.ControlMessage) {
	now := q.now()
	if msg.Volatile {
		for _, e := range q.buf {
			if e.msg.Type == msg.Type {
				e.msg = msg
				e.enqueuedAt = now
				return
			}
		}
	}
	if len(q.buf) >= q.maxBuffered {
		victim := q.buf[0]
		q.buf = q.buf[1:]
		q.dropped++
		q.metrics.RecordControlDropped(victim.msg.Type)
		q.logger.Warn("control buffer full, dropping oldest", "type", victim.msg.Type)
	}
	q.seq++
	q.buf = append(q.buf, &entry{msg: msg, enqueuedAt: now, seq: q.seq})
	q.metrics.SetControlBuffered(len(q.buf))
}

// Flush sends every buffered message, priority messages first and the rest
// in enqueue order. A message that still fails after the retry policy is
// dropped. If the channel closes mid-flush the unsent messages stay
// buffered and Flush returns types.ErrChannelNotReady. A Flush waiting on
// another one in progress gives up when ctx is done.
func (q *Queue) Flush(ctx context.Context) error {
	select {
	case q.flushSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.flushSem }()

	if !q.IsReady() {
		return types.ErrChannelNotReady
	}

	q.mu.Lock()
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		batch := q.buf
		q.buf = nil
		if len(batch) == 0 {
			// Cleared under the same lock so Enqueue cannot strand a message.
			q.flushing = false
			q.mu.Unlock()
			q.metrics.SetControlBuffered(0)
			return nil
		}
		q.mu.Unlock()

		slices.SortStableFunc(batch, func(a, b *entry) int {
			if a.msg.Priority != b.msg.Priority {
				if a.msg.Priority {
					return -1
				}
				return 1
			}
			return cmp.Compare(a.seq, b.seq)
		})

		for i, e := range batch {
			err := q.send(ctx, e)
			if err == nil {
				continue
			}
			if errors.Is(err, types.ErrChannelNotReady) || errors.Is(err, types.ErrChannelClosed) || ctx.Err() != nil {
				q.mu.Lock()
				q.buf = append(append([]*entry(nil), batch[i:]...), q.buf...)
				q.metrics.SetControlBuffered(len(q.buf))
				q.mu.Unlock()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return types.ErrChannelNotReady
			}
			q.drop(e, err)
		}
	}
}

// Discard removes buffered messages of type msgType and reports how many
// were removed.
func (q *Queue) Discard(msgType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.buf[:0]
	removed := 0
	for _, e := range q.buf {
		if e.msg.Type == msgType {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clear(q.buf[len(kept):])
	q.buf = kept
	q.metrics.SetControlBuffered(len(q.buf))
	return removed
}

// Clear discards everything buffered.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.buf = nil
	q.mu.Unlock()
	q.metrics.SetControlBuffered(0)
}

func (q *Queue) send(ctx context.Context, e *entry) error {
	frame, err := e.msg.Encode()
	if err != nil {
		return &types.ChannelSendError{Type: e.msg.Type, Attempts: 0, Err: err}
	}
	attempts, err := q.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		e.retryCount = attempt
		err := q.sender.Send(ctx, frame)
		if errors.Is(err, types.ErrChannelNotReady) || errors.Is(err, types.ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, types.ErrChannelNotReady) || errors.Is(err, types.ErrChannelClosed) {
			return err
		}
		return &types.ChannelSendError{Type: e.msg.Type, Attempts: attempts, Err: err}
	}
	q.metrics.RecordControlSent(e.msg.Type)
	q.logger.Debug("control message sent", "type", e.msg.Type, "attempts", attempts, "queued_for", q.now().Sub(e.enqueuedAt))
	return nil
}

func (q *Queue) drop(e *entry, err error) {
	q.mu.Lock()
	q.dropped++
	q.mu.Unlock()
	q.metrics.RecordControlDropped(e.msg.Type)
	q.logger.Error("control message dropped", "type", e.msg.Type, "retries", e.retryCount, "error", err)
}
