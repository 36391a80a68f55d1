// Package mock provides in-memory implementations of [audio.Microphone] and
// [audio.Output] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose exported fields that control
// return values.
//
// The [Output] mock has a manual clock: time only moves when the test calls
// [Output.Advance], which also fires onEnded for sources that played out.
//
//	out := &mock.Output{}
//	_ = out.Resume(ctx)
//	src, _ := out.Schedule(buf, 20*time.Millisecond, func() { ended <- struct{}{} })
//	out.Advance(time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by [Microphone.Open].
	OpenErr error

	// StartErr is returned by Start on every stream this mic opens.
	StartErr error

	// ActualSampleRate overrides the rate reported by opened streams.
	// Zero means the requested rate.
	ActualSampleRate int

	// OpenCalls records the config of every Open call.
	OpenCalls []audio.CaptureConfig

	// Streams holds every stream returned by Open, in order.
	Streams []*Stream
}

var _ audio.Microphone = (*Microphone)(nil)

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, cfg audio.CaptureConfig, onFrame func([]float32)) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, cfg)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	rate := cfg.SampleRate
	if m.ActualSampleRate > 0 {
		rate = m.ActualSampleRate
	}
	s := &Stream{rate: rate, startErr: m.StartErr, onFrame: onFrame}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// Last returns the most recently opened stream, or nil.
func (m *Microphone) Last() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// OpenCount returns the number of Open calls.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// Stream is the [audio.CaptureStream] returned by [Microphone.Open].
type Stream struct {
	mu       sync.Mutex
	rate     int
	startErr error
	onFrame  func([]float32)
	started  bool
	closed   bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SampleRate implements [audio.CaptureStream].
func (s *Stream) SampleRate() int { return s.rate }

// Start implements [audio.CaptureStream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

// Close implements [audio.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers a frame to the stream's callback if the stream is started and
// not closed. It reports whether the frame was delivered.
func (s *Stream) Emit(frame []float32) bool {
	s.mu.Lock()
	live := s.started && !s.closed
	cb := s.onFrame
	s.mu.Unlock()
	if !live || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output] driven by a manual clock.
type Output struct {
	mu sync.Mutex

	// ResumeErr, when non-nil, is returned by Resume and keeps the output
	// suspended.
	ResumeErr error

	// ScheduleErr, when non-nil, is returned by Schedule.
	ScheduleErr error

	now     time.Duration
	state   audio.OutputState
	sources []*Source

	// CallCountResume records how many times Resume was called.
	CallCountResume int
}

var _ audio.Output = (*Output)(nil)

// State implements [audio.Output].
func (o *Output) State() audio.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Resume implements [audio.Output].
func (o *Output) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	if o.ResumeErr != nil {
		return o.ResumeErr
	}
	o.state = audio.OutputRunning
	return nil
}

// SetResumeErr replaces ResumeErr under the lock.
func (o *Output) SetResumeErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResumeErr = err
}

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	s := &Source{Buffer: buf, At: at, onEnded: onEnded}
	o.sources = append(o.sources, s)
	return s, nil
}

// Sources returns every source scheduled so far, in order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// Advance moves the clock forward by d and ends every source whose playback
// window has passed.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var due []*Source
	for _, s := range o.sources {
		if s.At+s.Buffer.Duration() <= now {
			due = append(due, s)
		}
	}
	o.mu.Unlock()
	for _, s := range due {
		s.end()
	}
}

// Source is the [audio.Source] returned by [Output.Schedule].
type Source struct {
	Buffer audio.Buffer
	At     time.Duration

	mu      sync.Mutex
	onEnded func()
	ended   bool
	stopped bool
}

// Stop implements [audio.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.end()
}

// Stopped reports whether Stop has been called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) end() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	cb := s.onEnded
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock [audio.Backend] returning Mic and Out.
type Backend struct {
	Mic *Microphone
	Out *Output

	// PlaybackErr, when non-nil, is returned by Playback.
	PlaybackErr error

	mu     sync.Mutex
	closed bool
}

var _ audio.Backend = (*Backend)(nil)

// Capture implements [audio.Backend].
func (b *Backend) Capture() audio.Microphone { return b.Mic }

// Playback implements [audio.Backend].
func (b *Backend) Playback(audio.Format) (audio.Output, error) {
	if b.PlaybackErr != nil {
		return nil, b.PlaybackErr
	}
	return b.Out, nil
}

// Close implements [audio.Backend].
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
