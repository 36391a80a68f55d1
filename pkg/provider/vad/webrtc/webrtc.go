// Package webrtc implements [vad.Engine] with the WebRTC voice activity
// detector (github.com/maxhawkins/go-webrtcvad).
//
// The WebRTC detector classifies 10, 20 or 30 ms frames as voiced or not.
// Pipeline frames are usually longer (512 samples = 32 ms at 16 kHz), so each
// session slices frames into 10 ms windows, carries the remainder into the
// next call, and reports the voiced fraction of the windows it scored as the
// speech probability.
package webrtc

import (
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

const windowMs = 10

// Engine creates WebRTC VAD sessions.
type Engine struct{}

var _ vad.Engine = (*Engine)(nil)

// New returns a WebRTC VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. cfg.Aggressiveness selects the WebRTC
// mode (0 = least aggressive about filtering non-speech, 3 = most).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("webrtc vad: frame samples must be positive, got %d", cfg.FrameSamples)
	}
	mode := cfg.Aggressiveness
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("webrtc vad: aggressiveness %d out of range [0,3]", mode)
	}

	// Detectors are freed by a finalizer in go-webrtcvad, so dropping v on
	// an error path releases it.
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create detector: %w", err)
	}
	window := cfg.SampleRate * windowMs / 1000
	if !v.ValidRateAndFrameLength(cfg.SampleRate, window) {
		return nil, fmt.Errorf("webrtc vad: unsupported sample rate %d", cfg.SampleRate)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode %d: %w", mode, err)
	}
	return &session{
		vad:          v,
		rate:         cfg.SampleRate,
		frameSamples: cfg.FrameSamples,
		window:       window,
	}, nil
}

type session struct {
	mu           sync.Mutex
	vad          *webrtcvad.VAD
	rate         int
	frameSamples int
	window       int
	carry        []int16
	last         float64
	closed       bool
}

func (s *session) ProcessFrame(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("webrtc vad: session closed")
	}
	if len(frame) != s.frameSamples {
		return 0, fmt.Errorf("webrtc vad: frame has %d samples, want %d", len(frame), s.frameSamples)
	}

	samples := append(s.carry, pcm.Encode(frame)...)
	var voiced, scored int
	for len(samples) >= s.window {
		active, err := s.vad.Process(s.rate, pcm.Bytes(samples[:s.window]))
		if err != nil {
			return 0, fmt.Errorf("webrtc vad: process: %w", err)
		}
		scored++
		if active {
			voiced++
		}
		samples = samples[s.window:]
	}
	s.carry = append(s.carry[:0:0], samples...)

	if scored > 0 {
		s.last = float64(voiced) / float64(scored)
	}
	return s.last, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carry = nil
	s.last = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.carry = nil
	return nil
}
