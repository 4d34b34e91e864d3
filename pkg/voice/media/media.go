// Package media connects a voice session to the microphone and speaker.
// Audio is PCM16 little-endian mono.
package media

import (
	"errors"
	"sync"
)

const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

var (
	ErrNotStarted = errors.New("capture device not started")
	ErrStopped    = errors.New("capture guard already stopped")
)

// Capture delivers microphone frames to onFrame until Stop. onFrame runs on
// the audio thread and must not block.
type Capture interface {
	Start(onFrame func(pcm []byte)) error
	Stop() error
}

// Playback plays assistant audio.
type Playback interface {
	Write(pcm []byte) error
	// Flush drops queued audio and stops the current sound immediately.
	Flush()
	SetPaused(paused bool)
}

// Guard owns one capture device for one session and stops it exactly once.
// A stopped guard cannot be started again.
type Guard struct {
	dev Capture

	mu      sync.Mutex
	started bool
	stopped bool
	stops   int
	err     error
}

func NewGuard(dev Capture) *Guard {
	return &Guard{dev: dev}
}

func (g *Guard) Start(onFrame func([]byte)) error {
	if g == nil || g.dev == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return ErrStopped
	}
	if g.started {
		return nil
	}
	if err := g.dev.Start(onFrame); err != nil {
		return err
	}
	g.started = true
	return nil
}

// Stop releases the device. Later calls return the first result.
func (g *Guard) Stop() error {
	if g == nil || g.dev == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return g.err
	}
	g.stopped = true
	if !g.started {
		return nil
	}
	g.stops++
	g.err = g.dev.Stop()
	return g.err
}

// Stops reports how many times the device was actually stopped.
func (g *Guard) Stops() int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stops
}
