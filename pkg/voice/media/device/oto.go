package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-voice/pkg/voice/media"
)

var _ media.Playback = (*OtoPlayback)(nil)

// OtoPlayback plays through the default output device. oto allows one
// context per process, so create it once and share it between sessions.
type OtoPlayback struct {
	otoCtx *oto.Context

	mu      sync.Mutex
	cond    *sync.Cond
	player  *oto.Player
	buf     []byte
	playing bool
	paused  bool
	closed  bool
}

func NewOtoPlayback(sampleRate int) (*OtoPlayback, error) {
	if sampleRate <= 0 {
		sampleRate = media.DefaultSampleRate
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: media.DefaultChannels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	p := &OtoPlayback{
		otoCtx: otoCtx,
		buf:    make([]byte, 0, sampleRate*4),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Write queues pcm. Audio written while paused is dropped.
func (p *OtoPlayback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("playback closed")
	}
	if p.paused {
		return nil
	}
	p.buf = append(p.buf, pcm...)
	if !p.playing {
		p.playing = true
		p.player = p.otoCtx.NewPlayer(p)
		p.player.Play()
	}
	p.cond.Signal()
	return nil
}

// Read feeds the oto player.
func (p *OtoPlayback) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.buf) == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed && len(p.buf) == 0 {
		clear(b)
		return len(b), nil
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *OtoPlayback) Flush() {
	p.mu.Lock()
	p.buf = p.buf[:0]
	player := p.player
	p.player = nil
	p.playing = false
	p.mu.Unlock()

	if player != nil {
		player.Pause()
		_ = player.Close()
	}
}

func (p *OtoPlayback) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	if paused {
		p.Flush()
	}
}

func (p *OtoPlayback) Close() error {
	p.mu.Lock()
	p.closed = true
	player := p.player
	p.player = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
