// Package device holds the cgo-backed audio devices behind media.Capture
// and media.Playback.
package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-voice/pkg/voice/media"
)

var _ media.Capture = (*MalgoCapture)(nil)

// MalgoCapture records from the default input device.
type MalgoCapture struct {
	SampleRate int
	Channels   int
	PeriodMS   int

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func NewMalgoCapture(sampleRate int) *MalgoCapture {
	if sampleRate <= 0 {
		sampleRate = media.DefaultSampleRate
	}
	return &MalgoCapture{SampleRate: sampleRate, Channels: media.DefaultChannels, PeriodMS: 20}
}

func (m *MalgoCapture) Start(onFrame func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return fmt.Errorf("capture already started")
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(m.Channels)
	deviceConfig.SampleRate = uint32(m.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(m.PeriodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 || onFrame == nil {
				return
			}
			onFrame(append([]byte(nil), input...))
		},
	}
	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init microphone: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start microphone: %w", err)
	}
	m.ctx = ctx
	m.device = device
	return nil
}

func (m *MalgoCapture) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return media.ErrNotStarted
	}
	err := m.device.Stop()
	m.device.Uninit()
	m.device = nil
	if m.ctx != nil {
		if uerr := m.ctx.Uninit(); err == nil {
			err = uerr
		}
		m.ctx.Free()
		m.ctx = nil
	}
	return err
}
