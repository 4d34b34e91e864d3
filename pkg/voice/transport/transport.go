// Package transport owns the single live websocket session to the realtime
// speech service: connecting, keepalive, outbound lanes and reconnection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const (
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultPingInterval       = 20 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultAudioBuffer        = 64
	DefaultMaxReconnects      = 3

	// CloseReasonClient marks a close the user asked for.
	CloseReasonClient = "client_close"

	priorityQueueSize  = 16
	closeWriterTimeout = time.Second
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateChange is reported for every transition. Attempt and MaxAttempts are
// set while reconnecting. Err is the cause of a reconnect or of the
// terminal Error state.
type StateChange struct {
	From        State
	To          State
	SessionID   string
	Attempt     int
	MaxAttempts int
	Err         error
}

type Config struct {
	NegotiationTimeout time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	AudioBuffer        int
	// Reconnect.MaxAttempts is the number of reconnects after the first
	// dial before giving up.
	Reconnect backoff.Policy
}

type Options struct {
	Dialer  Dialer
	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Transport struct {
	dialer  Dialer
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// emitMu orders state change reports. It is taken before mu.
	emitMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64
	sessionID  string
	attempt    int
	startedAt  time.Time
	conn       *connection
	retryTimer *time.Timer
	onEvent    func([]byte)
	onState    func(StateChange)
}

type connection struct {
	gen      uint64
	conn     Conn
	ctx      context.Context
	cancel   context.CancelFunc
	priority chan outboundFrame
	normal   chan outboundFrame
	done     chan struct{}

	mu      sync.Mutex
	closeCF closeFrame
}

func (c *connection) stop(code int, reason string) {
	c.mu.Lock()
	if c.ctx.Err() == nil {
		c.closeCF = closeFrame{code: code, reason: reason}
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *connection) closing() closeFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCF
}

func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.AudioBuffer <= 0 {
		cfg.AudioBuffer = DefaultAudioBuffer
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		cfg.Reconnect.MaxAttempts = 0
	}
	return &Transport{
		dialer:  opts.Dialer,
		cfg:     cfg,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// OnEvent sets the handler for inbound text frames. It runs on the reader
// goroutine, one frame at a time, in arrival order.
func (t *Transport) OnEvent(h func([]byte)) {
	t.mu.Lock()
	t.onEvent = h
	t.mu.Unlock()
}

// OnStateChange sets the state handler. It runs synchronously, in
// transition order, and must not call Open or Close.
func (t *Transport) OnStateChange(h func(StateChange)) {
	t.mu.Lock()
	t.onState = h
	t.mu.Unlock()
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready reports whether control frames can be sent.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateOpen && t.conn != nil
}

func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Uptime is how long the current connection has been open.
func (t *Transport) Uptime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen || t.startedAt.IsZero() {
		return 0
	}
	return time.Since(t.startedAt)
}

// transition runs fn under the state lock and reports the change it
// returns, if any.
func (t *Transport) transition(fn func() (StateChange, bool)) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	change, ok := fn()
	h := t.onState
	t.mu.Unlock()
	if !ok {
		return
	}

	t.metrics.RecordTransportState(change.To.String())
	attrs := []any{"session_id", change.SessionID, "from", change.From.String(), "to", change.To.String()}
	if change.Attempt > 0 {
		attrs = append(attrs, "attempt", change.Attempt, "max", change.MaxAttempts)
	}
	if change.Err != nil {
		attrs = append(attrs, "error", change.Err)
	}
	t.logger.Info("transport state", attrs...)
	if h != nil {
		h(change)
	}
}

// Open starts a session. It fails with types.ErrAlreadyConnecting or
// types.ErrAlreadyOpen, and changes nothing, unless the transport is Idle or
// in the terminal Error state. A failed first dial is returned and also
// starts reconnection.
func (t *Transport) Open(ctx context.Context) error {
	if t.dialer == nil {
		return errors.New("transport has no dialer")
	}
	var (
		rejected error
		gen      uint64
	)
	t.transition(func() (StateChange, bool) {
		switch t.state {
		case StateConnecting, StateReconnecting:
			rejected = types.ErrAlreadyConnecting
			return StateChange{}, false
		case StateOpen, StateClosing:
			rejected = types.ErrAlreadyOpen
			return StateChange{}, false
		}
		from := t.state
		t.gen++
		gen = t.gen
		t.attempt = 0
		t.sessionID = uuid.NewString()
		t.state = StateConnecting
		return StateChange{From: from, To: StateConnecting, SessionID: t.sessionID}, true
	})
	if rejected != nil {
		return rejected
	}
	return t.connect(ctx, gen, 0)
}

func (t *Transport) connect(ctx context.Context, gen uint64, attempt int) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.NegotiationTimeout)
	conn, err := t.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		nerr := &types.NegotiationError{Attempt: attempt + 1, Err: err}
		t.connectionLost(gen, nil, nerr)
		return nerr
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &connection{
		gen:      gen,
		conn:     conn,
		ctx:      connCtx,
		cancel:   connCancel,
		priority: make(chan outboundFrame, priorityQueueSize),
		normal:   make(chan outboundFrame, t.cfg.AudioBuffer),
		done:     make(chan struct{}),
		closeCF:  closeFrame{code: websocket.CloseNormalClosure},
	}

	readTimeout := 2*t.cfg.PingInterval + t.cfg.WriteTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	stale := false
	t.transition(func() (StateChange, bool) {
		if t.gen != gen || t.state != StateConnecting {
			stale = true
			return StateChange{}, false
		}
		t.conn = c
		t.attempt = 0
		t.startedAt = time.Now()
		t.state = StateOpen
		go t.writeLoop(c)
		return StateChange{From: StateConnecting, To: StateOpen, SessionID: t.sessionID}, true
	})
	if stale {
		connCancel()
		_ = conn.Close()
		return types.ErrChannelClosed
	}

	go t.readLoop(c, readTimeout)
	return nil
}

func (t *Transport) writeLoop(c *connection) {
	w := &outboundWriter{
		ws:           c.conn,
		ctx:          c.ctx,
		pingInterval: t.cfg.PingInterval,
		writeTimeout: t.cfg.WriteTimeout,
		priority:     c.priority,
		normal:       c.normal,
		closing:      c.closing,
	}
	err := w.Run()
	close(c.done)
	if err != nil {
		t.connectionLost(c.gen, c, fmt.Errorf("write: %w", err))
	}
}

func (t *Transport) readLoop(c *connection, readTimeout time.Duration) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			t.connectionLost(c.gen, c, err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}

		t.mu.Lock()
		current := t.conn == c
		h := t.onEvent
		t.mu.Unlock()
		if !current {
			return
		}
		if h != nil {
			h(data)
		}
	}
}

// connectionLost handles a failed dial (c == nil) or a dead connection.
// A normal close from the server ends the session; anything else schedules
// a reconnect until the policy is exhausted.
func (t *Transport) connectionLost(gen uint64, c *connection, cause error) {
	if c != nil {
		c.stop(websocket.CloseNormalClosure, "")
	}
	t.transition(func() (StateChange, bool) {
		if t.gen != gen {
			return StateChange{}, false
		}
		if c != nil {
			if t.conn != c {
				return StateChange{}, false
			}
			t.conn = nil
		} else if t.state != StateConnecting {
			return StateChange{}, false
		}
		from := t.state

		if c != nil && websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			t.state = StateIdle
			return StateChange{From: from, To: StateIdle, SessionID: t.sessionID}, true
		}

		t.attempt++
		maxAttempts := t.cfg.Reconnect.MaxAttempts
		if t.attempt > maxAttempts {
			t.state = StateError
			t.metrics.RecordReconnect("exhausted")
			return StateChange{
				From:        from,
				To:          StateError,
				SessionID:   t.sessionID,
				Attempt:     t.attempt - 1,
				MaxAttempts: maxAttempts,
				Err:         fmt.Errorf("%w: %w", types.ErrReconnectExhausted, cause),
			}, true
		}

		t.state = StateReconnecting
		delay := t.cfg.Reconnect.Delay(t.attempt - 1)
		attempt := t.attempt
		t.retryTimer = time.AfterFunc(delay, func() { t.reconnect(gen, attempt) })
		t.metrics.RecordReconnect("scheduled")
		return StateChange{
			From:        from,
			To:          StateReconnecting,
			SessionID:   t.sessionID,
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
			Err:         cause,
		}, true
	})
}

func (t *Transport) reconnect(gen uint64, attempt int) {
	ok := false
	t.transition(func() (StateChange, bool) {
		if t.gen != gen || t.state != StateReconnecting || t.attempt != attempt {
			return StateChange{}, false
		}
		t.retryTimer = nil
		t.state = StateConnecting
		ok = true
		return StateChange{From: StateReconnecting, To: StateConnecting, SessionID: t.sessionID, Attempt: attempt, MaxAttempts: t.cfg.Reconnect.MaxAttempts}, true
	})
	if !ok {
		return
	}
	_ = t.connect(context.Background(), gen, attempt)
}

// Close ends the session with a normal close frame carrying
// CloseReasonClient. It never triggers reconnection and is a no-op when
// the transport is already Idle.
func (t *Transport) Close() error {
	var c *connection
	closing := false
	t.transition(func() (StateChange, bool) {
		if t.state == StateIdle {
			return StateChange{}, false
		}
		from := t.state
		t.gen++
		if t.retryTimer != nil {
			t.retryTimer.Stop()
			t.retryTimer = nil
		}
		c = t.conn
		t.conn = nil
		t.state = StateClosing
		closing = true
		return StateChange{From: from, To: StateClosing, SessionID: t.sessionID}, true
	})
	if !closing {
		return nil
	}

	if c != nil {
		c.stop(websocket.CloseNormalClosure, CloseReasonClient)
		select {
		case <-c.done:
		case <-time.After(closeWriterTimeout):
			t.logger.Warn("transport writer did not stop in time", "session_id", t.SessionID())
			_ = c.conn.Close()
		}
	}

	t.transition(func() (StateChange, bool) {
		if t.state != StateClosing {
			return StateChange{}, false
		}
		t.state = StateIdle
		t.startedAt = time.Time{}
		return StateChange{From: StateClosing, To: StateIdle, SessionID: t.sessionID}, true
	})
	return nil
}

// Send writes one control frame ahead of any queued audio and waits for the
// write to complete.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	c := t.current()
	if c == nil {
		return types.ErrChannelNotReady
	}
	result := make(chan error, 1)
	select {
	case c.priority <- outboundFrame{payload: frame, result: result}:
	case <-c.ctx.Done():
		return types.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-c.ctx.Done():
		return types.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendAudio queues one PCM16 frame as input_audio_buffer.append. It never
// blocks; when the audio lane is full the frame is dropped with
// types.ErrBackpressure.
func (t *Transport) SendAudio(pcm []byte) error {
	c := t.current()
	if c == nil {
		return types.ErrChannelNotReady
	}
	msg, err := protocol.AudioAppend(pcm)
	if err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.normal <- outboundFrame{payload: frame}:
		t.metrics.RecordAudio("in", len(pcm))
		return nil
	case <-c.ctx.Done():
		return types.ErrChannelClosed
	default:
		t.metrics.RecordAudioDrop()
		return types.ErrBackpressure
	}
}

func (t *Transport) current() *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return nil
	}
	return t.conn
}
