// Package audio defines the device abstractions and sample types of the
// avatarlink audio pipeline.
//
// The two device-facing abstractions are:
//
//   - [Microphone] opens a [CaptureStream] that delivers fixed-size mono
//     float32 frames to a callback.
//   - [Output] is a clock-driven playback context on which [Buffer] values are
//     scheduled at absolute times, the way a browser AudioContext works.
//
// Implementations live in backend packages (audio/malgo) and in audio/mock for
// tests. This package lives under pkg/ so alternative backends can implement
// these interfaces outside the module.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the OS or user refuses access to the
	// capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrUnsupported is returned when the runtime has no usable capture or
	// playback backend.
	ErrUnsupported = errors.New("audio: unsupported runtime")

	// ErrAutoplayBlocked is returned by [Output.Resume] when the output context
	// may only start after a user gesture.
	ErrAutoplayBlocked = errors.New("audio: output blocked until user gesture")
)

// CaptureConfig describes the stream requested from a [Microphone].
// Backends treat the processing flags as hints and ignore the ones they
// cannot honour.
type CaptureConfig struct {
	SampleRate int
	Channels   int

	// FrameSize is the number of samples per channel delivered per callback.
	FrameSize int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureStream is an open capture device. Frames are delivered to the
// callback passed to [Microphone.Open] between Start and Close.
type CaptureStream interface {
	// SampleRate reports the rate the device actually delivers.
	SampleRate() int

	// Start begins delivering frames.
	Start() error

	// Close stops delivery and releases the device. It is safe to call more
	// than once.
	Close() error
}

// Microphone opens capture streams.
//
// onFrame is called on a backend goroutine with a slice that the callee may
// retain; it must not block for long.
type Microphone interface {
	Open(ctx context.Context, cfg CaptureConfig, onFrame func([]float32)) (CaptureStream, error)
}

// OutputState mirrors the lifecycle of a playback context.
type OutputState int

const (
	// OutputSuspended means the context exists but its clock is not running.
	OutputSuspended OutputState = iota

	// OutputRunning means scheduled sources will play.
	OutputRunning

	// OutputClosed means the context has been released.
	OutputClosed
)

// String returns the human-readable name of the state.
func (s OutputState) String() string {
	switch s {
	case OutputSuspended:
		return "suspended"
	case OutputRunning:
		return "running"
	case OutputClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Source is a scheduled buffer on an [Output].
type Source interface {
	// Stop silences the source. Stopping an already ended or stopped source
	// is a no-op.
	Stop()
}

// Output is a playback context with a monotonic clock. Buffers are scheduled
// at absolute positions on that clock; sources scheduled back to back play
// without gaps.
//
// Implementations must be safe for concurrent use. onEnded callbacks are
// invoked exactly once per source, on a backend goroutine, after the source
// has played out or been stopped.
type Output interface {
	State() OutputState

	// Resume starts the clock. It returns [ErrAutoplayBlocked] when a user
	// gesture is required first.
	Resume(ctx context.Context) error

	// CurrentTime returns the position of the clock.
	CurrentTime() time.Duration

	// Schedule queues buf to start at the given clock position.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Source, error)
}

// Backend is one platform audio stack providing both capture and playback.
type Backend interface {
	Capture() Microphone
	Playback(format Format) (Output, error)
	Close() error
}
