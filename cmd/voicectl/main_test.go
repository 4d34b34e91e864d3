package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/voice/config"
	"github.com/vango-go/vai-voice/pkg/voice/media"
	"github.com/vango-go/vai-voice/pkg/voice/transport"
)

type idleConn struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *idleConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return websocket.TextMessage, nil, errors.New("closed")
}

func (c *idleConn) SetReadDeadline(time.Time) error           { return nil }
func (c *idleConn) SetPongHandler(func(string) error)         {}
func (c *idleConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *idleConn) WriteMessage(int, []byte) error            { return nil }
func (c *idleConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *idleConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type idleDialer struct{}

func (idleDialer) Dial(context.Context) (transport.Conn, error) {
	return &idleConn{closed: make(chan struct{})}, nil
}

func testDeps(cfg config.Config, cfgErr error) voicectlDeps {
	return voicectlDeps{
		loadConfig: func() (config.Config, error) { return cfg, cfgErr },
		newDialer:  func(config.Config) transport.Dialer { return idleDialer{} },
		newCapture: func(int) (media.Capture, error) {
			return nil, errors.New("no microphone in tests")
		},
		newPlayback: func(int) (media.Playback, func() error, error) {
			return nil, nil, errors.New("no speaker in tests")
		},
		openStore: openStore,
	}
}

func baseConfig() config.Config {
	return config.Config{
		URL:                "ws://127.0.0.1:1/realtime",
		APIKey:             "sk-test",
		Model:              "gpt-realtime",
		Modalities:         []string{"text"},
		SampleRate:         24000,
		NegotiationTimeout: time.Second,
		PingInterval:       time.Minute,
		WriteTimeout:       time.Second,
		ReconnectAttempts:  1,
		ReconnectBaseDelay: time.Millisecond,
		ReconnectMaxDelay:  time.Millisecond,
		ControlRetries:     1,
		SaveRetries:        1,
		DedupWindow:        time.Second,
		EndFlushTimeout:    100 * time.Millisecond,
	}
}

func TestRunMain_TalkTypedTurn(t *testing.T) {
	color.NoColor = true

	var stdout, stderr bytes.Buffer
	stdin := strings.NewReader("hello\n/bogus\n/quit\n")
	code := runMain(context.Background(), []string{"talk", "--no-mic", "--no-audio", "--store", "memory"}, stdin, &stdout, &stderr, testDeps(baseConfig(), nil))
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"this conversation stays local", "you: hello", "unknown command /bogus", "Disconnected"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunMain_TalkRequiresAPIKey(t *testing.T) {
	cfg := baseConfig()
	cfg.APIKey = ""
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"talk", "--no-mic", "--no-audio"}, strings.NewReader(""), io.Discard, &stderr, testDeps(cfg, nil))
	if code != 1 {
		t.Fatalf("exit=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "VAI_VOICE_API_KEY") {
		t.Fatalf("stderr=%q, want it to name VAI_VOICE_API_KEY", stderr.String())
	}
}

func TestRunMain_ConfigErrorAndMicFailure(t *testing.T) {
	var stderr bytes.Buffer
	code := runMain(context.Background(), []string{"talk"}, strings.NewReader(""), io.Discard, &stderr, testDeps(config.Config{}, errors.New("VAI_VOICE_URL must be a ws:// or wss:// URL")))
	if code != 1 || !strings.Contains(stderr.String(), "load config") {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}

	stderr.Reset()
	code = runMain(context.Background(), []string{"talk", "--no-audio"}, strings.NewReader(""), io.Discard, &stderr, testDeps(baseConfig(), nil))
	if code != 1 || !strings.Contains(stderr.String(), "no microphone in tests") {
		t.Fatalf("exit=%d stderr=%q", code, stderr.String())
	}
}

func TestRunMain_MigrateWithoutDatabase(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"migrate"}, nil, &stdout, &stderr, testDeps(baseConfig(), nil))
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "nothing to migrate") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestResolveStoreKind(t *testing.T) {
	cases := []struct {
		name    string
		cfg     config.Config
		kind    string
		want    string
		wantErr bool
	}{
		{name: "auto memory", kind: storeAuto, want: storeMemory},
		{name: "auto postgres", cfg: config.Config{DatabaseURL: "postgres://x"}, kind: storeAuto, want: storePostgres},
		{name: "auto sqlite", cfg: config.Config{SQLitePath: "voice.db"}, kind: "", want: storeSQLite},
		{name: "postgres needs url", kind: storePostgres, wantErr: true},
		{name: "sqlite needs path", kind: storeSQLite, wantErr: true},
		{name: "explicit memory", cfg: config.Config{DatabaseURL: "postgres://x"}, kind: storeMemory, want: storeMemory},
		{name: "unknown", kind: "mongo", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveStoreKind(tc.cfg, tc.kind)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveStoreKind succeeded with %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveStoreKind error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("kind=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestOpenStore_SQLiteMigrates(t *testing.T) {
	cfg := baseConfig()
	cfg.SQLitePath = t.TempDir() + "/voice.db"
	opened, err := openStore(context.Background(), cfg, storeAuto, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer opened.Close()
	if opened.kind != storeSQLite {
		t.Fatalf("kind=%q, want sqlite", opened.kind)
	}
	id, err := opened.store.CreateOrGetConversation(context.Background(), "user-1")
	if err != nil || id == "" {
		t.Fatalf("CreateOrGetConversation id=%q err=%v", id, err)
	}
}
