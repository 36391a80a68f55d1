package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// Microphone opens capture devices on a [Backend].
type Microphone struct {
	backend *Backend
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone]. miniaudio has no echo cancellation,
// noise suppression or gain control, so those flags are only logged.
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig, onFrame func([]float32)) (audio.CaptureStream, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("miniaudio: invalid capture config %+v", cfg)
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		slog.Debug("miniaudio: capture processing hints not supported by backend",
			"echoCancellation", cfg.EchoCancellation,
			"noiseSuppression", cfg.NoiseSuppression,
			"autoGainControl", cfg.AutoGainControl,
		)
	}

	s := &captureStream{
		frameSize: cfg.FrameSize * channels,
		onFrame:   onFrame,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(m.backend.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			s.push(in, int(frameCount)*channels)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init capture device: %w", classify(err))
	}
	s.dev = dev
	s.rate = int(dev.SampleRate())
	return s, nil
}

type captureStream struct {
	dev       *malgo.Device
	rate      int
	frameSize int
	onFrame   func([]float32)

	mu        sync.Mutex
	buf       []float32
	closed    bool
	closeOnce sync.Once
}

func (s *captureStream) SampleRate() int { return s.rate }

func (s *captureStream) Start() error {
	if err := s.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start capture: %w", classify(err))
	}
	return nil
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buf = nil
		s.mu.Unlock()
		s.dev.Uninit()
	})
	return nil
}

// push accumulates n float32 samples from raw and emits full frames.
func (s *captureStream) push(raw []byte, n int) {
	if n*4 > len(raw) {
		n = len(raw) / 4
	}
	var frames [][]float32

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for i := range n {
		s.buf = append(s.buf, float32FromBytes(raw[i*4:]))
	}
	for len(s.buf) >= s.frameSize {
		frame := make([]float32, s.frameSize)
		copy(frame, s.buf[:s.frameSize])
		s.buf = append(s.buf[:0], s.buf[s.frameSize:]...)
		frames = append(frames, frame)
	}
	s.mu.Unlock()

	for _, f := range frames {
		s.onFrame(f)
	}
}
