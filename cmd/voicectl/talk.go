package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voice/pkg/voice/auth"
	"github.com/vango-go/vai-voice/pkg/voice/config"
	"github.com/vango-go/vai-voice/pkg/voice/controller"
	"github.com/vango-go/vai-voice/pkg/voice/dedup"
	"github.com/vango-go/vai-voice/pkg/voice/media"
	"github.com/vango-go/vai-voice/pkg/voice/metrics"
	"github.com/vango-go/vai-voice/pkg/voice/notify"
	"github.com/vango-go/vai-voice/pkg/voice/savequeue"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

type talkOptions struct {
	userID      string
	storeKind   string
	metricsAddr string
	noMic       bool
	noAudio     bool
}

func newTalkCmd(root *rootOptions, deps voicectlDeps) *cobra.Command {
	opts := &talkOptions{}
	cmd := &cobra.Command{
		Use:   "talk",
		Short: "Start a voice conversation",
		Long: `Start a realtime voice conversation. Speak into the microphone or type a
line and press enter. Commands: /mute, /pause, /status, /quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTalk(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), root, opts, deps)
		},
	}
	cmd.Flags().StringVar(&opts.userID, "user", "", "signed-in user id (default VAI_VOICE_USER_ID; empty keeps the transcript local)")
	cmd.Flags().StringVar(&opts.storeKind, "store", storeAuto, "transcript store: auto|postgres|sqlite|memory")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default VAI_VOICE_METRICS_ADDR)")
	cmd.Flags().BoolVar(&opts.noMic, "no-mic", false, "do not capture microphone audio")
	cmd.Flags().BoolVar(&opts.noAudio, "no-audio", false, "do not play assistant audio")
	return cmd
}

type talkOutput struct {
	mu  sync.Mutex
	out io.Writer

	you       *color.Color
	assistant *color.Color
	info      *color.Color
	warn      *color.Color
	fail      *color.Color
}

func newTalkOutput(out io.Writer) *talkOutput {
	return &talkOutput{
		out:       out,
		you:       color.New(color.FgCyan, color.Bold),
		assistant: color.New(color.FgGreen, color.Bold),
		info:      color.New(color.FgHiBlack),
		warn:      color.New(color.FgYellow),
		fail:      color.New(color.FgRed, color.Bold),
	}
}

func (o *talkOutput) printf(c *color.Color, format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintln(o.out, c.Sprintf(format, args...))
}

func (o *talkOutput) transcript(role types.Role, text string, final bool) {
	if !final {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	label := o.assistant.Sprint("assistant:")
	if role == types.RoleUser {
		label = o.you.Sprint("you:")
	}
	fmt.Fprintf(o.out, "%s %s\n", label, text)
}

func (o *talkOutput) notification(n notify.Notification) {
	switch {
	case n.Blocking:
		o.printf(o.fail, "! %s", n.Message)
	case n.Kind == notify.KindError || n.Kind == notify.KindSaveFailed:
		o.printf(o.warn, "! %s", n.Message)
	default:
		o.printf(o.info, "· %s", n.Message)
	}
}

func runTalk(ctx context.Context, in io.Reader, out io.Writer, root *rootOptions, opts *talkOptions, deps voicectlDeps) error {
	logger := root.logger
	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return errors.New("VAI_VOICE_API_KEY (or OPENAI_API_KEY) must be set")
	}

	opened, err := deps.openStore(ctx, cfg, opts.storeKind, logger)
	if err != nil {
		return err
	}
	defer opened.Close()

	dd, closeDedup, err := newDeduplicator(cfg)
	if err != nil {
		return err
	}
	defer closeDedup()

	m := metrics.New("")
	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("serving metrics", "addr", addr)
	}

	var capture media.Capture
	if !opts.noMic {
		capture, err = deps.newCapture(cfg.SampleRate)
		if err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
	}
	var playback media.Playback
	if !opts.noAudio {
		p, closePlayback, err := deps.newPlayback(cfg.SampleRate)
		if err != nil {
			return fmt.Errorf("speaker: %w", err)
		}
		playback = p
		defer func() { _ = closePlayback() }()
	}

	userID := opts.userID
	if userID == "" {
		userID = cfg.UserID
	}

	ui := newTalkOutput(out)
	ctrl := controller.New(controller.Options{
		Config:       cfg,
		Dialer:       deps.newDialer(cfg),
		Store:        opened.store,
		Auth:         auth.Static(userID),
		Dedup:        dd,
		Capture:      capture,
		Playback:     playback,
		OnTranscript: ui.transcript,
		Logger:       logger,
		Metrics:      m,
	})

	notified := make(chan struct{})
	go func() {
		defer close(notified)
		for n := range ctrl.Notifications() {
			ui.notification(n)
		}
	}()
	defer func() {
		_ = ctrl.Close()
		<-notified
		printSummary(ui, ctrl.Transcript())
	}()

	if userID == "" {
		ui.printf(ui.info, "· no user id; this conversation stays local")
	}
	if err := ctrl.Start(ctx); err != nil {
		var nerr *types.NegotiationError
		if !errors.As(err, &nerr) {
			return err
		}
		ui.printf(ui.warn, "! %v", err)
	}

	return readCommands(ctx, in, ui, ctrl)
}

func readCommands(ctx context.Context, in io.Reader, ui *talkOutput, ctrl *controller.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
		case "/quit", "/exit":
			return nil
		case "/mute":
			muted, err := ctrl.ToggleMute(ctx)
			if err != nil {
				ui.printf(ui.warn, "! %v", err)
			}
			ui.printf(ui.info, "· muted: %v", muted)
		case "/pause":
			paused, err := ctrl.TogglePause(ctx)
			if err != nil {
				ui.printf(ui.warn, "! %v", err)
			}
			ui.printf(ui.info, "· paused: %v", paused)
		case "/status":
			t := ctrl.Telemetry()
			ui.printf(ui.info, "· %s activity=%s session=%s conversation=%s uptime=%s routed=%d pending_saves=%d buffered_control=%d",
				t.Status, t.Activity, t.SessionID, t.ConversationID, t.Uptime.Round(time.Second), t.EventsRouted, t.SavesPending, t.ControlBuffered)
		case "/start":
			if err := ctrl.Start(ctx); err != nil {
				ui.printf(ui.warn, "! %v", err)
			}
		default:
			if strings.HasPrefix(line, "/") {
				ui.printf(ui.warn, "! unknown command %s", line)
				continue
			}
			if err := ctrl.SendText(ctx, line); err != nil {
				ui.printf(ui.warn, "! %v", err)
			}
		}
	}
}

func printSummary(ui *talkOutput, records []savequeue.Record) {
	unsaved := 0
	for _, r := range records {
		if !r.Confirmed && !r.Local {
			unsaved++
		}
	}
	if unsaved > 0 {
		ui.printf(ui.warn, "! %d of %d turns were not saved", unsaved, len(records))
	}
}

func newDeduplicator(cfg config.Config) (*dedup.Deduplicator, func(), error) {
	if cfg.RedisURL == "" {
		return dedup.New(dedup.Options{Window: cfg.DedupWindow}), func() {}, nil
	}
	backend, err := dedup.NewRedisBackendFromURL(cfg.RedisURL, "vai-voice:dedup:")
	if err != nil {
		return nil, nil, fmt.Errorf("redis dedup: %w", err)
	}
	return dedup.New(dedup.Options{Window: cfg.DedupWindow, Backend: backend}), func() { _ = backend.Close() }, nil
}
