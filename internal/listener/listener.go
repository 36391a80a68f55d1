// Package listener runs one live voice-activity detector: a microphone
// stream scored frame by frame by a VAD engine and grouped into utterance
// events by a [vad.Segmenter].
//
// A Listener is immutable once started. Changing thresholds means stopping
// it and starting a new one.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/resilience"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

const (
	// SampleRate is the rate the detector runs at.
	SampleRate = 16000

	// FrameSamples is the detector frame size (32 ms at 16 kHz).
	FrameSamples = 512

	// frameBacklog bounds how many device frames may wait for scoring.
	frameBacklog = 64
)

// Config wires a [Listener].
type Config struct {
	Mic     audio.Microphone
	Engines *resilience.FallbackGroup[vad.Engine]

	Segmenter      vad.SegmenterConfig
	FrameSamples   int // 0 selects FrameSamples
	Aggressiveness int

	// OnEvent receives every segmenter event, in order, on the listener's
	// own goroutine. It may call Stop.
	OnEvent func(vad.Event)

	Metrics *observe.Metrics
}

// Listener is a running detector.
type Listener struct {
	cfg     Config
	stream  audio.CaptureStream
	session vad.SessionHandle
	engine  string
	breaker *resilience.CircuitBreaker
	seg     *vad.Segmenter

	mu      sync.Mutex
	stopped bool
	frames  chan []float32
	quit    chan struct{}
	done    chan struct{}
}

// Start opens the microphone and starts scoring. Any failure releases
// everything acquired so far.
func Start(ctx context.Context, cfg Config) (*Listener, error) {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = FrameSamples
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(vad.Event) {}
	}
	if cfg.Engines == nil {
		return nil, fmt.Errorf("listener: no vad engine configured")
	}
	seg, err := vad.NewSegmenter(cfg.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("listener: %w", err)
	}

	l := &Listener{
		cfg:    cfg,
		seg:    seg,
		frames: make(chan []float32, frameBacklog),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	session, engine, err := l.openSession()
	if err != nil {
		return nil, fmt.Errorf("listener: vad session: %w", err)
	}
	l.session, l.engine = session, engine
	l.breaker = cfg.Engines.Breaker(engine)

	stream, err := cfg.Mic.Open(ctx, audio.CaptureConfig{
		SampleRate:       SampleRate,
		Channels:         1,
		FrameSize:        cfg.FrameSamples,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}, l.push)
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("listener: open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = session.Close()
		return nil, fmt.Errorf("listener: start microphone: %w", err)
	}
	l.stream = stream

	go l.loop(stream.SampleRate())
	slog.Debug("listener: started", "device_rate", stream.SampleRate(),
		"positive", cfg.Segmenter.PositiveThreshold,
		"negative", cfg.Segmenter.NegativeThreshold,
		"redemption", cfg.Segmenter.RedemptionFrames)
	return l, nil
}

// Stop releases the microphone and the VAD session. An utterance in
// progress is dropped without events. Stop does not wait for the event
// goroutine, so it is safe to call from OnEvent; use [Listener.Done] to
// wait. Calling Stop more than once is safe.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.quit)
	l.mu.Unlock()

	if err := l.stream.Close(); err != nil {
		slog.Warn("listener: close microphone", "err", err)
	}
}

// Done is closed once the event goroutine has exited and the VAD session is
// released.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// push runs on the device goroutine and never blocks.
func (l *Listener) push(frame []float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	select {
	case l.frames <- frame:
	default:
		slog.Warn("listener: scoring fell behind, frame dropped")
	}
}

func (l *Listener) loop(deviceRate int) {
	defer close(l.done)
	defer func() {
		if err := l.session.Close(); err != nil {
			slog.Warn("listener: close vad session", "err", err)
		}
	}()

	fs := l.cfg.FrameSamples
	rs := audio.NewResampler(1, deviceRate, SampleRate)
	var pending []float32
	for {
		select {
		case <-l.quit:
			l.seg.Reset()
			return
		case frame := <-l.frames:
			frame = rs.Process(frame)
			pending = append(pending, frame...)
			for len(pending) >= fs {
				chunk := make([]float32, fs)
				copy(chunk, pending[:fs])
				pending = pending[fs:]
				if !l.score(chunk) {
					return
				}
			}
		}
	}
}

// openSession asks the engine group for a session, skipping engines whose
// breaker is open.
func (l *Listener) openSession() (vad.SessionHandle, string, error) {
	return resilience.ExecuteNamed(l.cfg.Engines, func(e vad.Engine) (vad.SessionHandle, error) {
		return e.NewSession(vad.Config{
			SampleRate:     SampleRate,
			FrameSamples:   l.cfg.FrameSamples,
			Aggressiveness: l.cfg.Aggressiveness,
		})
	})
}

// failover replaces the session once the current engine's breaker has
// opened. The old session stays in use if no other engine is available.
func (l *Listener) failover() {
	next, engine, err := l.openSession()
	if err != nil {
		slog.Warn("listener: vad failover", "from", l.engine, "err", err)
		return
	}
	if next != l.session {
		if err := l.session.Close(); err != nil {
			slog.Warn("listener: close vad session", "err", err)
		}
	}
	slog.Info("listener: switched vad engine", "from", l.engine, "to", engine)
	l.session, l.engine = next, engine
	l.breaker = l.cfg.Engines.Breaker(engine)
}

// score runs one frame through the detector. A frame the engine fails to
// score is dropped, not counted as speech. Repeated failures open the
// engine's breaker and move the listener to the next engine. score reports
// false once the listener has been stopped from an event handler.
func (l *Listener) score(frame []float32) bool {
	var prob float64
	err := l.breaker.Execute(func() error {
		var err error
		prob, err = l.session.ProcessFrame(frame)
		return err
	})
	if err != nil {
		slog.Debug("listener: score frame", "engine", l.engine, "err", err)
		if errors.Is(err, resilience.ErrCircuitOpen) || l.breaker.State() == resilience.StateOpen {
			l.failover()
		}
		return true
	}
	for _, ev := range l.seg.Process(prob, frame) {
		if ev.Type != vad.EventFrameProcessed && l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordVADEvent(context.Background(), ev.Type.String())
		}
		l.cfg.OnEvent(ev)
		select {
		case <-l.quit:
			return false
		default:
		}
	}
	return true
}
