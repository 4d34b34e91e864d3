// Package controller is the voice session façade used by user interfaces.
//
// A Controller owns at most one live session at a time. Every Start builds a
// fresh transport, control queue, conversation gate, save queue and router;
// nothing is shared between sessions except the store, the dedup window and
// the audio devices.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voice/pkg/voice/auth"
	"github.com/vango-go/vai-voice/pkg/voice/config"
	"github.com/vango-go/vai-voice/pkg/voice/controlqueue"
	"github.com/vango-go/vai-voice/pkg/voice/conversation"
	"github.com/vango-go/vai-voice/pkg/voice/dedup"
	"github.com/vango-go/vai-voice/pkg/voice/media"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/notify"
	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/router"
	"github.com/vango-go/vai-voice/pkg/voice/savequeue"
	"github.com/vango-go/vai-voice/pkg/voice/store"
	"github.com/vango-go/vai-voice/pkg/voice/transport"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const DefaultEndFlushTimeout = 300 * time.Millisecond

var ErrNoSession = errors.New("no active voice session")

type Options struct {
	Config config.Config
	Dialer transport.Dialer

	// Store is optional. Without it every session is local only.
	Store store.Store
	Auth  auth.Provider
	Dedup *dedup.Deduplicator

	Capture  media.Capture
	Playback media.Playback

	OnTranscript func(role types.Role, text string, final bool)
	OnActivity   func(types.VoiceActivity)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Telemetry is a point-in-time view of the controller for status displays.
type Telemetry struct {
	Status               types.Status
	Activity             types.VoiceActivity
	SessionID            string
	ConversationID       string
	Anonymous            bool
	Uptime               time.Duration
	Muted                bool
	Paused               bool
	EventsRouted         int64
	RouterFailures       int64
	ControlBuffered      int
	ControlDropped       int
	SavesPending         int
	NotificationsDropped int
}

type Controller struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	bus     *notify.Bus
	dedup   *dedup.Deduplicator

	muted  atomic.Bool
	paused atomic.Bool

	mu     sync.Mutex
	status types.Status
	sess   *session
	last   []savequeue.Record
}

type session struct {
	startedAt time.Time
	anonymous bool

	ctx    context.Context
	cancel context.CancelFunc

	transport *transport.Transport
	control   *controlqueue.Queue
	gate      *conversation.Gate
	saver     *savequeue.Queue
	router    *router.Router
	mic       *media.Guard

	opened  atomic.Bool
	ending  atomic.Bool
	endOnce sync.Once
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Config.EndFlushTimeout <= 0 {
		opts.Config.EndFlushTimeout = DefaultEndFlushTimeout
	}
	dd := opts.Dedup
	if dd == nil {
		dd = dedup.New(dedup.Options{Window: opts.Config.DedupWindow, Now: opts.Now})
	}
	return &Controller{
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
		bus:     notify.NewBus(notify.DefaultBuffer),
		dedup:   dd,
		status:  types.StatusDisconnected,
	}
}

// Notifications delivers toast-style messages until Close.
func (c *Controller) Notifications() <-chan notify.Notification {
	return c.bus.C()
}

func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) Activity() types.VoiceActivity {
	s := c.current()
	if s == nil {
		return types.ActivityIdle
	}
	return s.router.Activity()
}

// Transcript returns the turns of the live session, or of the last one once
// it has ended. Unconfirmed records were not durably saved.
func (c *Controller) Transcript() []savequeue.Record {
	c.mu.Lock()
	s := c.sess
	last := c.last
	c.mu.Unlock()
	if s != nil {
		return s.saver.Records()
	}
	return append([]savequeue.Record(nil), last...)
}

func (c *Controller) Telemetry() Telemetry {
	c.mu.Lock()
	s := c.sess
	t := Telemetry{Status: c.status}
	c.mu.Unlock()

	t.Muted = c.muted.Load()
	t.Paused = c.paused.Load()
	t.NotificationsDropped = c.bus.Dropped()
	if s == nil {
		return t
	}
	t.Activity = s.router.Activity()
	t.SessionID = s.transport.SessionID()
	t.Anonymous = s.anonymous
	t.Uptime = s.transport.Uptime()
	t.EventsRouted = s.router.Routed()
	t.RouterFailures = s.router.Failures()
	t.ControlBuffered = s.control.Len()
	t.ControlDropped = s.control.Dropped()
	t.SavesPending = s.saver.Len()
	if id, ok := s.gate.Context().ConversationID(); ok {
		t.ConversationID = id
	}
	return t
}

// Start opens a new session. While a session is connecting or open it
// returns types.ErrAlreadyConnecting or types.ErrAlreadyOpen and changes
// nothing. A failed first dial is returned while the session keeps
// retrying in the background; End stops it.
func (c *Controller) Start(ctx context.Context) error {
	if c.opts.Dialer == nil {
		return errors.New("controller has no dialer")
	}

	c.mu.Lock()
	if c.sess != nil {
		status := c.status
		c.mu.Unlock()
		if status == types.StatusConnected {
			return types.ErrAlreadyOpen
		}
		return types.ErrAlreadyConnecting
	}
	s := c.newSession()
	c.sess = s
	c.status = types.StatusConnecting
	c.mu.Unlock()

	c.muted.Store(false)
	c.paused.Store(false)
	if c.opts.Playback != nil {
		c.opts.Playback.SetPaused(false)
	}
	c.metrics.RecordSessionStart()

	err := s.transport.Open(ctx)
	if errors.Is(err, types.ErrAlreadyConnecting) || errors.Is(err, types.ErrAlreadyOpen) {
		return err
	}

	if merr := s.mic.Start(func(pcm []byte) { c.uplink(s, pcm) }); merr != nil && !errors.Is(merr, media.ErrStopped) {
		c.logger.Error("microphone unavailable", "error", merr)
		c.bus.Publishf(notify.KindError, false, "Microphone unavailable: %v", merr)
	}
	return err
}

func (c *Controller) newSession() *session {
	cfg := c.opts.Config
	userID, signedIn := auth.UserID(c.opts.Auth)
	anonymous := !signedIn || c.opts.Store == nil

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		startedAt: c.opts.Now(),
		anonymous: anonymous,
		ctx:       ctx,
		cancel:    cancel,
		mic:       media.NewGuard(c.opts.Capture),
	}

	s.transport = transport.New(transport.Options{
		Dialer: c.opts.Dialer,
		Config: transport.Config{
			NegotiationTimeout: cfg.NegotiationTimeout,
			PingInterval:       cfg.PingInterval,
			WriteTimeout:       cfg.WriteTimeout,
			Reconnect:          cfg.ReconnectPolicy(),
		},
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	s.control = controlqueue.New(controlqueue.Options{
		Sender:  s.transport,
		Policy:  cfg.ControlPolicy(),
		Logger:  c.logger,
		Metrics: c.metrics,
		Now:     c.opts.Now,
	})

	var creator conversation.Creator
	if c.opts.Store != nil {
		creator = c.opts.Store
	}
	s.gate = conversation.NewGate(conversation.NewContext(), conversation.Options{
		Creator:        creator,
		Policy:         cfg.ConversationPolicy(),
		ResolveTimeout: cfg.ConversationTimeout,
		Logger:         c.logger,
		Metrics:        c.metrics,
	})

	var inserter savequeue.Inserter
	if c.opts.Store != nil {
		inserter = c.opts.Store
	}
	s.saver = savequeue.New(savequeue.Options{
		Store:        inserter,
		Gate:         s.gate,
		Dedup:        c.dedup,
		Scope:        dedupScope(userID),
		Anonymous:    anonymous,
		Policy:       cfg.SavePolicy(),
		ReadyTimeout: cfg.ConversationTimeout,
		ReadyRetries: cfg.ConversationRetries,
		Notify:       c.bus,
		Logger:       c.logger,
		Metrics:      c.metrics,
		Now:          c.opts.Now,
	})

	var player router.Player
	if c.opts.Playback != nil {
		player = c.opts.Playback
	}
	ropts := router.Options{
		Saver:          s.saver,
		Control:        s.control,
		Auth:           auth.Static(userID),
		Player:         player,
		Session:        cfg.SessionConfig(),
		ResolveTimeout: cfg.ConversationTimeout,
		OnActivity:     c.opts.OnActivity,
		OnTranscript:   c.opts.OnTranscript,
		Notify:         c.bus,
		Logger:         c.logger,
		Metrics:        c.metrics,
		Now:            c.opts.Now,
	}
	if !anonymous {
		ropts.Gate = s.gate
	}
	s.router = router.New(ropts)

	s.transport.OnEvent(func(data []byte) {
		_ = s.router.Route(s.ctx, data)
	})
	s.transport.OnStateChange(func(change transport.StateChange) {
		c.onStateChange(s, change)
	})
	return s
}

// dedupScope keys duplicate detection to the signed-in user. Anonymous
// sessions get a scope of their own from the save queue.
func dedupScope(userID string) string {
	if userID == "" {
		return ""
	}
	return "user:" + userID
}

// onStateChange runs on the transport's reporting path and must not call
// back into Open or Close.
func (c *Controller) onStateChange(s *session, change transport.StateChange) {
	if s.ending.Load() {
		return
	}
	switch change.To {
	case transport.StateConnecting:
		if change.Attempt == 0 {
			c.setStatus(s, types.StatusConnecting)
		}
	case transport.StateOpen:
		c.setStatus(s, types.StatusConnected)
		s.router.BeginSession()
		// session.update belongs to the connection that sent session.created.
		if n := s.control.Discard(protocol.TypeSessionUpdate); n > 0 {
			c.logger.Debug("dropped session configuration buffered for previous connection", "count", n)
		}
		if s.opened.Swap(true) {
			c.bus.Publishf(notify.KindConnect, false, "Reconnected")
		} else {
			c.bus.Publishf(notify.KindConnect, false, "Connected")
		}
		go func() {
			if err := s.control.Flush(s.ctx); err != nil {
				c.logger.Warn("control flush after open incomplete", "error", err)
			}
		}()
	case transport.StateReconnecting:
		c.setStatus(s, types.StatusReconnecting)
		c.bus.Publishf(notify.KindReconnect, false, "Reconnecting (%d/%d)…", change.Attempt, change.MaxAttempts)
	case transport.StateError:
		c.setStatus(s, types.StatusError)
		msg := "Connection lost"
		if change.MaxAttempts > 0 {
			msg = fmt.Sprintf("Connection lost after %d attempts", change.MaxAttempts)
		}
		c.bus.Publish(notify.Notification{Kind: notify.KindError, Message: msg, Blocking: true})
		go c.teardown(s, types.StatusError)
	case transport.StateIdle:
		c.bus.Publishf(notify.KindDisconnect, false, "Session ended by server")
		go c.teardown(s, types.StatusDisconnected)
	}
}

func (c *Controller) setStatus(s *session, status types.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.status = status
	}
}

func (c *Controller) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// uplink runs on the audio thread.
func (c *Controller) uplink(s *session, pcm []byte) {
	if c.muted.Load() || c.paused.Load() || s.ending.Load() {
		return
	}
	if err := s.transport.SendAudio(pcm); err != nil && !errors.Is(err, types.ErrBackpressure) && !errors.Is(err, types.ErrChannelNotReady) {
		c.logger.Debug("audio frame not sent", "error", err)
	}
}

// End hangs up. Pending control messages and turns get a bounded chance to
// go out before the transport closes. Calling End without a session is a
// no-op.
func (c *Controller) End() error {
	s := c.current()
	if s == nil {
		return nil
	}
	c.teardown(s, types.StatusDisconnected)
	return nil
}

func (c *Controller) teardown(s *session, final types.Status) {
	s.endOnce.Do(func() {
		s.ending.Store(true)

		if err := s.mic.Stop(); err != nil {
			c.logger.Warn("stop microphone", "error", err)
		}

		flushCtx, cancel := context.WithTimeout(context.Background(), c.opts.Config.EndFlushTimeout)
		var g errgroup.Group
		if s.control.IsReady() {
			g.Go(func() error { return s.control.Flush(flushCtx) })
		}
		g.Go(func() error { return s.saver.Flush(flushCtx) })
		if err := g.Wait(); err != nil {
			c.logger.Warn("end flush incomplete",
				"control_pending", s.control.Len(),
				"saves_pending", s.saver.Len(),
				"error", err,
			)
		}
		cancel()

		_ = s.transport.Close()
		s.cancel()
		s.gate.Close()
		s.router.Wait()
		s.saver.Close()
		s.control.Clear()
		if c.opts.Playback != nil {
			c.opts.Playback.Flush()
		}

		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
			c.status = final
			c.last = s.saver.Records()
		}
		c.mu.Unlock()

		c.metrics.RecordSessionEnd(strings.ToLower(string(final)), c.opts.Now().Sub(s.startedAt))
		if final == types.StatusDisconnected {
			c.bus.Publishf(notify.KindDisconnect, false, "Disconnected")
		}
		c.logger.Info("voice session ended", "status", string(final), "session_id", s.transport.SessionID())
	})
}

// ToggleMute stops sending microphone audio and clears whatever the server
// has buffered. It returns the new muted state.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	muted := !c.muted.Load()
	c.muted.Store(muted)
	s := c.current()
	if s == nil || !muted {
		return muted, nil
	}
	return muted, s.control.Enqueue(ctx, protocol.InputAudioClear())
}

// TogglePause holds both directions: no microphone audio goes up and
// playback stops, and any response in progress is cancelled. It returns the
// new paused state.
func (c *Controller) TogglePause(ctx context.Context) (bool, error) {
	paused := !c.paused.Load()
	c.paused.Store(paused)
	if c.opts.Playback != nil {
		c.opts.Playback.SetPaused(paused)
	}
	s := c.current()
	if s == nil || !paused {
		return paused, nil
	}
	return paused, s.control.Enqueue(ctx, protocol.ResponseCancel())
}

// SendText sends typed input as a user turn and asks for a response.
func (c *Controller) SendText(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("text is empty")
	}
	s := c.current()
	if s == nil {
		return ErrNoSession
	}
	msg, err := protocol.UserText(content)
	if err != nil {
		return err
	}
	if err := s.control.Enqueue(ctx, msg); err != nil {
		return err
	}
	if err := s.control.Enqueue(ctx, protocol.ResponseCreate()); err != nil {
		return err
	}
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(types.RoleUser, content, true)
	}
	return s.saver.Submit(types.RoleUser, content)
}

// Close ends any session and closes the notification channel.
func (c *Controller) Close() error {
	err := c.End()
	c.bus.Close()
	return err
}
