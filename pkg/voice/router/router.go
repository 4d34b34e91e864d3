// Package router turns inbound server events into transcript turns,
// activity changes and playback, and sends the session configuration once
// per session.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/vai-voice/pkg/voice/auth"
	"github.com/vango-go/vai-voice/pkg/voice/events"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/notify"
	"github.com/vango-go/vai-voice/pkg/voice/protocol"
	"github.com/vango-go/vai-voice/pkg/voice/transcript"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

const DefaultResolveTimeout = 10 * time.Second

type Saver interface {
	Submit(role types.Role, content string) error
}

type ControlSender interface {
	Enqueue(ctx context.Context, msg protocol.ControlMessage) error
}

type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Player receives assistant audio.
type Player interface {
	Write(pcm []byte) error
	Flush()
}

type Options struct {
	Saver   Saver
	Control ControlSender
	Gate    Resolver
	Auth    auth.Provider
	Player  Player

	// Session is sent as session.update once per session.
	Session protocol.SessionConfig

	ResolveTimeout time.Duration

	// OnActivity is called when the voice activity indicator changes.
	OnActivity func(types.VoiceActivity)
	// OnTranscript is called with the live text of an utterance, and once
	// more with final set when it is finalized.
	OnTranscript func(role types.Role, text string, final bool)

	Notify  *notify.Bus
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// RoutedEvent is a decoded event with its role attached from the registry.
type RoutedEvent struct {
	Event    protocol.Event
	Category events.Category
	Role     types.Role
	HasRole  bool
}

type handlerFunc func(ctx context.Context, ev RoutedEvent) error

type Router struct {
	saver          Saver
	control        ControlSender
	gate           Resolver
	auth           auth.Provider
	player         Player
	session        protocol.SessionConfig
	resolveTimeout time.Duration
	onActivity     func(types.VoiceActivity)
	onTranscript   func(types.Role, string, bool)
	notify         *notify.Bus
	logger         *slog.Logger
	metrics        *metrics.Metrics

	handlers  map[events.Category]handlerFunc
	user      *transcript.Accumulator
	assistant *transcript.Accumulator

	sessionSeen atomic.Bool

	// configMu guards epoch and configSent. BeginSession bumps epoch so a
	// resolution started by an earlier session cannot configure this one.
	configMu   sync.Mutex
	epoch      uint64
	configSent bool

	activity    atomic.Int32
	routed      atomic.Int64
	failures    atomic.Int64
	background  sync.WaitGroup
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	r := &Router{
		saver:          opts.Saver,
		control:        opts.Control,
		gate:           opts.Gate,
		auth:           opts.Auth,
		player:         opts.Player,
		session:        opts.Session,
		resolveTimeout: timeout,
		onActivity:     opts.OnActivity,
		onTranscript:   opts.OnTranscript,
		notify:         opts.Notify,
		logger:         logger,
		metrics:        opts.Metrics,
		user:           transcript.NewAccumulator(types.RoleUser, opts.Now),
		assistant:      transcript.NewAccumulator(types.RoleAssistant, opts.Now),
	}
	r.handlers = map[events.Category]handlerFunc{
		events.CategorySession:          r.handleSession,
		events.CategoryTranscriptDelta:  r.handleTranscriptDelta,
		events.CategoryTranscriptDone:   r.handleTranscriptDone,
		events.CategoryTranscriptFailed: r.handleTranscriptFailed,
		events.CategoryActivity:         r.handleActivity,
		events.CategoryAudio:            r.handleAudio,
		events.CategoryResponse:         r.handleResponse,
		events.CategoryError:            r.handleError,
		events.CategoryInfo:             r.handleInfo,
	}
	return r
}

// BeginSession readies the router for a new transport session: the next
// session.created sends the configuration again, and half-built utterances
// from the previous session are discarded.
func (r *Router) BeginSession() {
	r.configMu.Lock()
	r.epoch++
	r.configSent = false
	r.configMu.Unlock()
	r.sessionSeen.Store(false)
	r.user.Reset()
	r.assistant.Reset()
	r.setActivity(types.ActivityIdle)
}

// Wait blocks until background work started by session.created is done.
func (r *Router) Wait() {
	r.background.Wait()
}

func (r *Router) Activity() types.VoiceActivity {
	return types.VoiceActivity(r.activity.Load())
}

// Routed and Failures count dispatched events and failed handlers.
func (r *Router) Routed() int64   { return r.routed.Load() }
func (r *Router) Failures() int64 { return r.failures.Load() }

// Route decodes one inbound frame and dispatches it. Malformed frames are
// logged and skipped.
func (r *Router) Route(ctx context.Context, data []byte) error {
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		r.failures.Add(1)
		r.metrics.RecordRouterFailure("decode")
		r.logger.Warn("skipping malformed server event", "error", err)
		return err
	}
	return r.Dispatch(ctx, ev)
}

// Dispatch runs the handler for ev's category. A failing or panicking
// handler is reported and does not affect later events.
func (r *Router) Dispatch(ctx context.Context, ev protocol.Event) error {
	typ := ev.EventType()
	re := RoutedEvent{Event: ev, Category: ev.Category()}
	re.Role, re.HasRole = events.RoleFor(typ)
	r.metrics.RecordInboundEvent(string(re.Category))

	h, ok := r.handlers[re.Category]
	if !ok {
		r.logger.Debug("skipping unknown server event", "type", typ)
		return nil
	}
	r.routed.Add(1)

	err := r.call(ctx, h, re)
	if err == nil {
		return nil
	}
	r.failures.Add(1)
	kind := "error"
	var pe *panicError
	if errors.As(err, &pe) {
		kind = "panic"
	}
	r.metrics.RecordRouterFailure(kind)
	r.logger.Error("server event handler failed", "type", typ, "kind", kind, "error", err)
	r.notify.Publishf(notify.KindError, false, "Could not process %s", typ)
	return err
}

type panicError struct {
	value any
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

func (r *Router) call(ctx context.Context, h handlerFunc, ev RoutedEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()
	return h(ctx, ev)
}

func (r *Router) accumulator(ev RoutedEvent) (*transcript.Accumulator, error) {
	if !ev.HasRole {
		return nil, &types.InvalidRoleError{EventType: ev.Event.EventType()}
	}
	switch ev.Role {
	case types.RoleUser:
		return r.user, nil
	case types.RoleAssistant:
		return r.assistant, nil
	default:
		return nil, &types.InvalidRoleError{Role: string(ev.Role), EventType: ev.Event.EventType()}
	}
}

func (r *Router) handleSession(ctx context.Context, ev RoutedEvent) error {
	se, ok := ev.Event.(protocol.SessionEvent)
	if !ok {
		return fmt.Errorf("unexpected session event %T", ev.Event)
	}
	if se.Type != events.TypeSessionCreated {
		r.logger.Debug("session updated", "session_id", se.Session.ID)
		return nil
	}
	if !r.sessionSeen.CompareAndSwap(false, true) {
		r.logger.Warn("duplicate session.created ignored", "session_id", se.Session.ID)
		return nil
	}
	r.logger.Info("session created", "session_id", se.Session.ID, "model", se.Session.Model)

	r.configMu.Lock()
	epoch := r.epoch
	r.configMu.Unlock()

	r.background.Add(1)
	go func() {
		defer r.background.Done()
		r.resolveConversation(ctx)
		r.sendSessionConfig(ctx, epoch)
	}()
	return nil
}

func (r *Router) resolveConversation(ctx context.Context) {
	if r.gate == nil {
		return
	}
	userID, ok := auth.UserID(r.auth)
	if !ok {
		r.logger.Info("no signed-in user, transcript stays local")
		return
	}
	rctx, cancel := context.WithTimeout(ctx, r.resolveTimeout)
	defer cancel()
	if _, err := r.gate.Resolve(rctx, userID); err != nil {
		r.logger.Error("failed to initialize conversation", "error", err)
		r.notify.Publishf(notify.KindError, false, "failed to initialize conversation")
	}
}

// sendSessionConfig enqueues session.update unless it was already sent for
// epoch or a newer session has begun. The enqueue happens under configMu so
// BeginSession cannot slip in between the check and the send.
func (r *Router) sendSessionConfig(ctx context.Context, epoch uint64) {
	if r.control == nil {
		return
	}
	r.configMu.Lock()
	defer r.configMu.Unlock()
	if r.epoch != epoch {
		r.logger.Debug("session configuration skipped for superseded session", "epoch", epoch, "current", r.epoch)
		return
	}
	if r.configSent {
		return
	}
	r.configSent = true
	msg, err := protocol.SessionUpdate(r.session)
	if err == nil {
		err = r.control.Enqueue(ctx, msg)
	}
	if err != nil {
		r.logger.Error("send session configuration failed", "error", err)
		r.notify.Publishf(notify.KindError, false, "Could not configure the voice session")
	}
}

func (r *Router) handleTranscriptDelta(_ context.Context, ev RoutedEvent) error {
	de, ok := ev.Event.(protocol.TranscriptDeltaEvent)
	if !ok {
		return fmt.Errorf("unexpected transcript delta %T", ev.Event)
	}
	acc, err := r.accumulator(ev)
	if err != nil {
		return err
	}
	acc.Accumulate(de.Delta)
	if r.onTranscript != nil {
		r.onTranscript(acc.Role(), acc.Text(), false)
	}
	return nil
}

func (r *Router) handleTranscriptDone(_ context.Context, ev RoutedEvent) error {
	done, ok := ev.Event.(protocol.TranscriptDoneEvent)
	if !ok {
		return fmt.Errorf("unexpected transcript done %T", ev.Event)
	}
	acc, err := r.accumulator(ev)
	if err != nil {
		return err
	}
	if final := done.Final(); final != "" {
		acc.SetFull(final)
	}
	return r.finalize(acc)
}

// finalize closes the live utterance of acc and submits it for saving.
func (r *Router) finalize(acc *transcript.Accumulator) error {
	text := strings.TrimSpace(acc.Finalize())
	acc.Reset()
	if text == "" {
		return nil
	}
	if r.onTranscript != nil {
		r.onTranscript(acc.Role(), text, true)
	}
	if r.saver == nil {
		return nil
	}
	return r.saver.Submit(acc.Role(), text)
}

func (r *Router) handleTranscriptFailed(_ context.Context, ev RoutedEvent) error {
	fe, ok := ev.Event.(protocol.TranscriptFailedEvent)
	if !ok {
		return fmt.Errorf("unexpected transcript failure %T", ev.Event)
	}
	acc, err := r.accumulator(ev)
	if err != nil {
		return err
	}
	acc.Reset()
	r.logger.Warn("transcription failed", "item_id", fe.ItemID, "code", fe.Error.Code, "message", fe.Error.Message)
	r.notify.Publishf(notify.KindInfo, false, "Could not transcribe that, please repeat")
	return nil
}

func (r *Router) handleActivity(_ context.Context, ev RoutedEvent) error {
	switch ev.Event.EventType() {
	case events.TypeSpeechStarted:
		// Barge-in: the user talks over the assistant.
		if r.player != nil {
			r.player.Flush()
		}
		r.setActivity(types.ActivityInput)
	case events.TypeSpeechStopped, events.TypeInputCommitted, events.TypeInputCleared:
		if r.Activity() == types.ActivityInput {
			r.setActivity(types.ActivityIdle)
		}
	case events.TypeOutputAudioStarted:
		r.setActivity(types.ActivityOutput)
	case events.TypeOutputAudioCleared:
		if r.player != nil {
			r.player.Flush()
		}
		r.setActivity(types.ActivityIdle)
	case events.TypeOutputAudioStopped:
		r.setActivity(types.ActivityIdle)
	}
	return nil
}

func (r *Router) handleAudio(_ context.Context, ev RoutedEvent) error {
	ae, ok := ev.Event.(protocol.AudioEvent)
	if !ok {
		return fmt.Errorf("unexpected audio event %T", ev.Event)
	}
	switch ae.Type {
	case events.TypeAudioDelta, events.TypeOutputAudioDelta:
		pcm, err := protocol.DecodeAudio(ae)
		if err != nil {
			return fmt.Errorf("decode audio delta: %w", err)
		}
		if len(pcm) == 0 {
			return nil
		}
		r.metrics.RecordAudio("out", len(pcm))
		if r.Activity() != types.ActivityInput {
			r.setActivity(types.ActivityOutput)
		}
		if r.player != nil {
			return r.player.Write(pcm)
		}
	}
	return nil
}

func (r *Router) handleResponse(_ context.Context, ev RoutedEvent) error {
	re, ok := ev.Event.(protocol.ResponseEvent)
	if !ok {
		return fmt.Errorf("unexpected response event %T", ev.Event)
	}
	if re.Type != events.TypeResponseDone {
		return nil
	}
	r.logger.Debug("response done", "response_id", re.Response.ID, "status", re.Response.Status)
	// Text that never got a done event is still a turn.
	if r.assistant.Pending() {
		return r.finalize(r.assistant)
	}
	return nil
}

func (r *Router) handleError(_ context.Context, ev RoutedEvent) error {
	ee, ok := ev.Event.(protocol.ErrorEvent)
	if !ok {
		return fmt.Errorf("unexpected error event %T", ev.Event)
	}
	r.logger.Error("server error", "code", ee.Error.Code, "type", ee.Error.Type, "message", ee.Error.Message, "event_id", ee.Error.EventID)
	msg := ee.Error.Message
	if msg == "" {
		msg = "The voice service reported an error"
	}
	r.notify.Publish(notify.Notification{Kind: notify.KindError, Message: msg})
	return nil
}

func (r *Router) handleInfo(_ context.Context, ev RoutedEvent) error {
	r.logger.Debug("server event", "type", ev.Event.EventType())
	return nil
}

func (r *Router) setActivity(a types.VoiceActivity) {
	if types.VoiceActivity(r.activity.Swap(int32(a))) == a {
		return
	}
	if r.onActivity != nil {
		r.onActivity(a)
	}
}
