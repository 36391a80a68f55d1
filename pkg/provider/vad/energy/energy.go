// Package energy implements [vad.Engine] with a pure-Go RMS energy gate.
//
// It needs no cgo and no model files, which makes it the fallback when the
// WebRTC detector is unavailable. The RMS level of each frame is mapped
// linearly between a floor and a ceiling onto [0, 1] and smoothed with an
// exponential moving average so single clicks do not register as speech.
package energy

import (
	"fmt"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

// Defaults tuned for 16 kHz speech with AGC off.
const (
	DefaultFloor     = 0.008
	DefaultCeiling   = 0.05
	DefaultSmoothing = 0.5
)

// Option configures an [Engine].
type Option func(*Engine)

// WithLevels sets the RMS level that maps to probability 0 (floor) and 1
// (ceiling).
func WithLevels(floor, ceiling float64) Option {
	return func(e *Engine) {
		e.floor = floor
		e.ceiling = ceiling
	}
}

// WithSmoothing sets the weight of the newest frame in the moving average,
// in (0, 1]. 1 disables smoothing.
func WithSmoothing(alpha float64) Option {
	return func(e *Engine) { e.alpha = alpha }
}

// Engine creates energy VAD sessions.
type Engine struct {
	floor   float64
	ceiling float64
	alpha   float64
}

var _ vad.Engine = (*Engine)(nil)

// New returns an energy engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{floor: DefaultFloor, ceiling: DefaultCeiling, alpha: DefaultSmoothing}
	for _, o := range opts {
		o(e)
	}
	if e.floor < 0 || e.ceiling <= e.floor {
		return nil, fmt.Errorf("energy vad: ceiling %v must exceed floor %v", e.ceiling, e.floor)
	}
	if e.alpha <= 0 || e.alpha > 1 {
		return nil, fmt.Errorf("energy vad: smoothing %v out of range (0,1]", e.alpha)
	}
	return e, nil
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("energy vad: frame samples must be positive, got %d", cfg.FrameSamples)
	}
	return &session{engine: e, frameSamples: cfg.FrameSamples}, nil
}

type session struct {
	engine       *Engine
	frameSamples int

	mu     sync.Mutex
	avg    float64
	closed bool
}

func (s *session) ProcessFrame(frame []float32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("energy vad: session closed")
	}
	if len(frame) != s.frameSamples {
		return 0, fmt.Errorf("energy vad: frame has %d samples, want %d", len(frame), s.frameSamples)
	}

	e := s.engine
	p := (audio.RMS(frame) - e.floor) / (e.ceiling - e.floor)
	p = min(max(p, 0), 1)
	s.avg = e.alpha*p + (1-e.alpha)*s.avg
	return s.avg, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.avg = 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
