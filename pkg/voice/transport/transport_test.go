package transport

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voice/pkg/voice/backoff"
	"github.com/vango-go/vai-voice/pkg/voice/types"
)

func testConfig(maxReconnects int) Config {
	return Config{
		NegotiationTimeout: time.Second,
		PingInterval:       time.Hour,
		WriteTimeout:       time.Second,
		AudioBuffer:        4,
		Reconnect: backoff.Policy{
			MaxAttempts: maxReconnects,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    4 * time.Millisecond,
		},
	}
}

func TestTransport_OpenDeliversEventsInOrder(t *testing.T) {
	d := &fakeDialer{}
	tr := New(Options{Dialer: d, Config: testConfig(3)})

	var mu sync.Mutex
	var got []string
	tr.OnEvent(func(b []byte) {
		mu.Lock()
		got = append(got, string(b))
		mu.Unlock()
	})

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()
	if tr.State() != StateOpen || !tr.Ready() || tr.SessionID() == "" {
		t.Fatalf("state=%s ready=%v session=%q", tr.State(), tr.Ready(), tr.SessionID())
	}

	c := d.conn(0)
	for _, s := range []string{"1", "2", "3"} {
		c.in <- []byte(s)
	}
	waitFor(t, "three events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("events=%v, want in order", got)
	}
}

func TestTransport_SecondOpenIsRejected(t *testing.T) {
	d := &fakeDialer{gate: make(chan struct{})}
	tr := New(Options{Dialer: d, Config: testConfig(3)})

	first := make(chan error, 1)
	go func() { first <- tr.Open(context.Background()) }()
	waitState(t, tr, StateConnecting)

	if err := tr.Open(context.Background()); !errors.Is(err, types.ErrAlreadyConnecting) {
		t.Fatalf("open while connecting err=%v", err)
	}
	close(d.gate)
	if err := <-first; err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := tr.Open(context.Background()); !errors.Is(err, types.ErrAlreadyOpen) {
		t.Fatalf("open while open err=%v", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials=%d, want 1", got)
	}
	_ = tr.Close()
}

func TestTransport_ConcurrentOpenCloseNeverOverlaps(t *testing.T) {
	d := &fakeDialer{}
	tr := New(Options{Dialer: d, Config: testConfig(0)})

	var mu sync.Mutex
	open := false
	overlap := false
	tr.OnStateChange(func(c StateChange) {
		mu.Lock()
		defer mu.Unlock()
		if c.To == StateOpen {
			if open {
				overlap = true
			}
			open = true
		}
		if c.From == StateOpen {
			open = false
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < 20; j++ {
				if r.Intn(2) == 0 {
					_ = tr.Open(context.Background())
				} else {
					_ = tr.Close()
				}
			}
		}(int64(i))
	}
	wg.Wait()
	_ = tr.Close()

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatal("two sessions were open at the same time")
	}
	if tr.State() != StateIdle {
		t.Fatalf("final state=%s, want idle", tr.State())
	}
	for _, c := range d.allConns() {
		waitFor(t, "connection closed", c.isClosed)
	}
}

func TestTransport_CloseSendsClientReasonAndDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	rec := &stateRecorder{}
	tr := New(Options{Dialer: d, Config: testConfig(3)})
	tr.OnStateChange(rec.record)

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.State() != StateIdle {
		t.Fatalf("state=%s, want idle", tr.State())
	}

	writes := d.conn(0).snapshot()
	want := string(websocket.FormatCloseMessage(websocket.CloseNormalClosure, CloseReasonClient))
	if len(writes) == 0 || writes[len(writes)-1].data != want {
		t.Fatalf("writes=%+v, want client close frame last", writes)
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials=%d, want 1", got)
	}
	for _, c := range rec.snapshot() {
		if c.To == StateReconnecting {
			t.Fatalf("unexpected reconnect: %+v", c)
		}
	}
}

func TestTransport_ServerNormalCloseEndsSession(t *testing.T) {
	d := &fakeDialer{}
	tr := New(Options{Dialer: d, Config: testConfig(3)})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	d.conn(0).readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "bye"}
	waitState(t, tr, StateIdle)

	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dials=%d, want 1", got)
	}
}

func TestTransport_ReconnectsAfterAbnormalClose(t *testing.T) {
	d := &fakeDialer{}
	rec := &stateRecorder{}
	tr := New(Options{Dialer: d, Config: testConfig(3)})
	tr.OnStateChange(rec.record)

	var mu sync.Mutex
	var events []string
	tr.OnEvent(func(b []byte) {
		mu.Lock()
		events = append(events, string(b))
		mu.Unlock()
	})

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	old := d.conn(0)
	old.readErr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}
	waitFor(t, "second dial", func() bool { return d.dialCount() == 2 })
	waitState(t, tr, StateOpen)

	waitFor(t, "old connection closed", old.isClosed)
	d.conn(1).in <- []byte("fresh")
	waitFor(t, "event on new connection", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	})

	var sawReconnect bool
	for _, c := range rec.snapshot() {
		if c.To == StateReconnecting {
			sawReconnect = true
			if c.Attempt != 1 || c.MaxAttempts != 3 || c.Err == nil {
				t.Fatalf("reconnect change=%+v", c)
			}
		}
	}
	if !sawReconnect {
		t.Fatal("expected a reconnecting transition")
	}
}

func TestTransport_ReconnectStopsAtMaxAttempts(t *testing.T) {
	dialErr := errors.New("connection refused")
	d := &fakeDialer{fail: func(int) error { return dialErr }}
	rec := &stateRecorder{}
	tr := New(Options{Dialer: d, Config: testConfig(3)})
	tr.OnStateChange(rec.record)

	err := tr.Open(context.Background())
	var nerr *types.NegotiationError
	if !errors.As(err, &nerr) || !errors.Is(err, dialErr) {
		t.Fatalf("open err=%v, want NegotiationError", err)
	}

	waitState(t, tr, StateError)
	time.Sleep(30 * time.Millisecond)
	if got := d.dialCount(); got != 4 {
		t.Fatalf("dials=%d, want 1 + 3 reconnects", got)
	}

	changes := rec.snapshot()
	last := changes[len(changes)-1]
	if last.To != StateError || !errors.Is(last.Err, types.ErrReconnectExhausted) || !errors.Is(last.Err, dialErr) {
		t.Fatalf("last change=%+v", last)
	}
	var attempts []int
	for _, c := range changes {
		if c.To == StateReconnecting {
			attempts = append(attempts, c.Attempt)
		}
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("reconnect attempts=%v, want [1 2 3]", attempts)
	}

	// Error is terminal until the caller opens again.
	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("reopen after error: %v", err)
	}
	_ = tr.Close()
}

func TestTransport_SendRequiresOpenSession(t *testing.T) {
	d := &fakeDialer{}
	tr := New(Options{Dialer: d, Config: testConfig(0)})
	if err := tr.Send(context.Background(), []byte(`{"type":"x"}`)); !errors.Is(err, types.ErrChannelNotReady) {
		t.Fatalf("send before open err=%v", err)
	}
	if err := tr.SendAudio([]byte{1, 2}); !errors.Is(err, types.ErrChannelNotReady) {
		t.Fatalf("audio before open err=%v", err)
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()
	if err := tr.Send(context.Background(), []byte(`{"type":"response.create"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	writes := d.conn(0).snapshot()
	if len(writes) != 1 || writes[0].data != `{"type":"response.create"}` {
		t.Fatalf("writes=%+v", writes)
	}
}

func TestTransport_SendAudioBackpressure(t *testing.T) {
	d := &fakeDialer{}
	tr := New(Options{Dialer: d, Config: testConfig(0)})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	c := d.conn(0)
	c.writeGate = make(chan struct{})
	defer func() {
		close(c.writeGate)
		_ = tr.Close()
	}()

	var sawBackpressure bool
	for i := 0; i < 16; i++ {
		if err := tr.SendAudio([]byte{0, 1, 2, 3}); errors.Is(err, types.ErrBackpressure) {
			sawBackpressure = true
			break
		} else if err != nil {
			t.Fatalf("send audio: %v", err)
		}
	}
	if !sawBackpressure {
		t.Fatal("expected backpressure once the audio lane filled")
	}
}
