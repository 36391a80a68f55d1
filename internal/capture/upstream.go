// Package capture streams raw microphone audio to the backend while the
// user talks, independently of voice-activity detection.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

const (
	// SampleRate is the rate requested from the device. Devices may deliver
	// another rate; frames are tagged with the actual one.
	SampleRate = 16000

	// FrameSamples is the frame size requested from the device.
	FrameSamples = 4096
)

// State is the lifecycle of an [Upstream].
type State int

const (
	StateInactive State = iota
	StateStarting
	StateActive
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Sink receives captured frames and the end marker.
type Sink interface {
	SendFrame(samples []float32, sampleRate, channels int)
	SendEnd(ctx context.Context, withMedia bool) error
}

// Upstream owns the continuous capture stream. At most one stream is open at
// a time; a failed start leaves nothing open.
type Upstream struct {
	mic   audio.Microphone
	sink  Sink
	admit func() bool

	mu     sync.Mutex
	state  State
	stream audio.CaptureStream
	rate   int
	gen    uint64
}

// New returns an inactive Upstream. admit is consulted for every frame;
// frames are only forwarded while it returns true. A nil admit forwards
// everything.
func New(mic audio.Microphone, sink Sink, admit func() bool) *Upstream {
	if admit == nil {
		admit = func() bool { return true }
	}
	return &Upstream{mic: mic, sink: sink, admit: admit}
}

// State reports the current lifecycle state.
func (u *Upstream) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SampleRate reports the rate of the live stream, or 0 when inactive.
func (u *Upstream) SampleRate() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActive {
		return 0
	}
	return u.rate
}

// Start opens the capture stream. It returns nil without doing anything when
// the upstream is already starting or active. Permission and unsupported
// runtime errors from the device are wrapped and returned.
func (u *Upstream) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.state != StateInactive {
		u.mu.Unlock()
		return nil
	}
	u.state = StateStarting
	u.gen++
	gen := u.gen
	u.mu.Unlock()

	cfg := audio.CaptureConfig{
		SampleRate:       SampleRate,
		Channels:         1,
		FrameSize:        FrameSamples,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
	stream, err := u.mic.Open(ctx, cfg, func(frame []float32) { u.onFrame(gen, frame) })
	if err != nil {
		u.rollback(gen, nil)
		return fmt.Errorf("capture: open: %w", err)
	}
	if err := stream.Start(); err != nil {
		u.rollback(gen, stream)
		return fmt.Errorf("capture: start: %w", err)
	}

	u.mu.Lock()
	if u.gen != gen || u.state != StateStarting {
		// Stopped while starting.
		u.mu.Unlock()
		closeAsync(stream)
		return nil
	}
	u.stream = stream
	u.rate = stream.SampleRate()
	u.state = StateActive
	u.mu.Unlock()

	slog.Info("capture: continuous upstream started", "sample_rate", stream.SampleRate(), "frame", FrameSamples)
	return nil
}

// Stop tears the stream down. The device is closed asynchronously; close
// errors are only logged. When emitEnd is set a mic-audio-end follows. Stop
// on an inactive upstream does nothing.
func (u *Upstream) Stop(emitEnd bool) {
	u.mu.Lock()
	if u.state == StateInactive {
		u.mu.Unlock()
		return
	}
	stream := u.stream
	u.stream = nil
	u.rate = 0
	u.state = StateInactive
	u.gen++
	u.mu.Unlock()

	if stream != nil {
		closeAsync(stream)
	}
	slog.Debug("capture: continuous upstream stopped", "emit_end", emitEnd)
	if emitEnd {
		if err := u.sink.SendEnd(context.Background(), false); err != nil {
			slog.Warn("capture: send mic-audio-end", "err", err)
		}
	}
}

func (u *Upstream) rollback(gen uint64, stream audio.CaptureStream) {
	if stream != nil {
		if err := stream.Close(); err != nil {
			slog.Warn("capture: close after failed start", "err", err)
		}
	}
	u.mu.Lock()
	if u.gen == gen {
		u.state = StateInactive
	}
	u.mu.Unlock()
}

func (u *Upstream) onFrame(gen uint64, frame []float32) {
	u.mu.Lock()
	live := u.gen == gen && u.state == StateActive
	rate := u.rate
	u.mu.Unlock()
	if !live || len(frame) == 0 || !u.admit() {
		return
	}
	chunk := make([]float32, len(frame))
	copy(chunk, frame)
	u.sink.SendFrame(chunk, rate, 1)
}

func closeAsync(stream audio.CaptureStream) {
	go func() {
		if err := stream.Close(); err != nil {
			slog.Warn("capture: close stream", "err", err)
		}
	}()
}
