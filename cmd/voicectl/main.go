package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voice/pkg/voice/config"
	"github.com/vango-go/vai-voice/pkg/voice/media"
	"github.com/vango-go/vai-voice/pkg/voice/media/device"
	"github.com/vango-go/vai-voice/pkg/voice/transport"
)

type voicectlDeps struct {
	loadConfig  func() (config.Config, error)
	newDialer   func(config.Config) transport.Dialer
	newCapture  func(sampleRate int) (media.Capture, error)
	newPlayback func(sampleRate int) (media.Playback, func() error, error)
	openStore   func(ctx context.Context, cfg config.Config, kind string, logger *slog.Logger) (openedStore, error)
}

func defaultDeps() voicectlDeps {
	return voicectlDeps{
		loadConfig: config.LoadFromEnv,
		newDialer: func(cfg config.Config) transport.Dialer {
			return &transport.WSDialer{URL: cfg.DialURL(), APIKey: cfg.APIKey}
		},
		newCapture: func(sampleRate int) (media.Capture, error) {
			return device.NewMalgoCapture(sampleRate), nil
		},
		newPlayback: func(sampleRate int) (media.Playback, func() error, error) {
			p, err := device.NewOtoPlayback(sampleRate)
			if err != nil {
				return nil, nil, err
			}
			return p, p.Close, nil
		},
		openStore: openStore,
	}
}

type rootOptions struct {
	envFile string
	debug   bool
	logger  *slog.Logger
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer, deps voicectlDeps) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "voicectl",
		Short:         "Realtime voice conversations from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
			if err := config.LoadEnvFile(opts.envFile); err != nil {
				return err
			}
			return nil
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file to load (default ./.env if present)")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(newTalkCmd(opts, deps))
	root.AddCommand(newMigrateCmd(opts, deps))
	return root
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps voicectlDeps) int {
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(stdin, stdout, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "voicectl: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}
