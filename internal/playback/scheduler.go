package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
)

const (
	// DefaultLatency is the minimum lead between now and a buffer's start.
	DefaultLatency = 20 * time.Millisecond

	// DefaultFade is the linear fade applied at both ends of every buffer.
	DefaultFade = 5 * time.Millisecond
)

// GestureWaiter runs a callback after the next user gesture.
type GestureWaiter interface {
	Once(fn func()) (detach func())
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithLatency overrides [DefaultLatency].
func WithLatency(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.latency = d }
}

// WithFade overrides [DefaultFade].
func WithFade(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.fade = d }
}

// WithGestureUnlock lets the scheduler retry starting a blocked output on the
// next gesture.
func WithGestureUnlock(g GestureWaiter) SchedulerOption {
	return func(s *Scheduler) { s.gestures = g }
}

// WithSchedulerMetrics records scheduling metrics on m.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// Result is the outcome of [Scheduler.Enqueue].
type Result struct {
	// PCM is the decoded interleaved audio.
	PCM []int16

	// Started is false when the output could not be started; nothing was
	// scheduled and onEnded will not fire.
	Started bool
}

// Scheduler places PCM buffers back to back on an [audio.Output] so that
// consecutive chunks play without gaps. It is safe for concurrent use.
type Scheduler struct {
	out      audio.Output
	latency  time.Duration
	fade     time.Duration
	gestures GestureWaiter
	metrics  *observe.Metrics

	mu            sync.Mutex
	nextFree      time.Duration
	nextID        uint64
	active        map[uint64]audio.Source
	unlockPending bool
}

// NewScheduler returns a Scheduler for out.
func NewScheduler(out audio.Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:     out,
		latency: DefaultLatency,
		fade:    DefaultFade,
		active:  make(map[uint64]audio.Source),
	}
	for _, o := range opts {
		o(s)
	}
	s.nextFree = out.CurrentTime()
	return s
}

// EnqueueBase64 decodes base64 little-endian PCM16 and enqueues it.
func (s *Scheduler) EnqueueBase64(ctx context.Context, b64 string, sampleRate, channels int, onEnded func()) (Result, error) {
	samples, err := pcm.DecodeBase64(b64)
	if err != nil {
		return Result{}, fmt.Errorf("playback: %w", err)
	}
	return s.Enqueue(ctx, samples, sampleRate, channels, onEnded)
}

// Enqueue schedules interleaved PCM16 to start at the later of the end of
// the previous buffer and now plus the latency. onEnded runs exactly once
// when the buffer has played out or was stopped.
func (s *Scheduler) Enqueue(ctx context.Context, samples []int16, sampleRate, channels int, onEnded func()) (Result, error) {
	if sampleRate <= 0 || channels <= 0 {
		return Result{}, fmt.Errorf("playback: invalid format %d Hz x %d ch", sampleRate, channels)
	}
	if !s.ensureRunning(ctx) {
		return Result{PCM: samples, Started: false}, nil
	}

	buf := s.toBuffer(samples, sampleRate, channels)
	if buf.Frames() == 0 {
		return Result{}, fmt.Errorf("playback: buffer holds no complete frame")
	}

	var once sync.Once
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	now := s.out.CurrentTime()
	startAt := max(s.nextFree, now+s.latency)
	src, err := s.out.Schedule(buf, startAt, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		if onEnded != nil {
			once.Do(onEnded)
		}
	})
	if err != nil {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("playback: schedule: %w", err)
	}
	s.nextFree = startAt + buf.Duration()
	s.active[id] = src
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BuffersScheduled.Add(ctx, 1)
		s.metrics.PlaybackLead.Record(ctx, (startAt - now).Seconds())
	}
	return Result{PCM: samples, Started: true}, nil
}

// StopAll silences every scheduled buffer and restarts the timeline at now.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	sources := make([]audio.Source, 0, len(s.active))
	for _, src := range s.active {
		sources = append(sources, src)
	}
	clear(s.active)
	s.nextFree = s.out.CurrentTime()
	s.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}

// NextFree returns the clock position where the next buffer would start if
// the output were far enough behind.
func (s *Scheduler) NextFree() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}

// Active returns the number of buffers scheduled and not yet ended.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ensureRunning resumes the output. When the output refuses until a user
// gesture, one retry is armed on the next gesture.
func (s *Scheduler) ensureRunning(ctx context.Context) bool {
	if s.out.State() == audio.OutputRunning {
		return true
	}
	err := s.out.Resume(ctx)
	if err != nil {
		slog.Warn("playback: output resume failed", "err", err)
		if errors.Is(err, audio.ErrAutoplayBlocked) {
			s.armUnlock()
		}
	}
	return s.out.State() == audio.OutputRunning
}

func (s *Scheduler) armUnlock() {
	if s.gestures == nil {
		return
	}
	s.mu.Lock()
	if s.unlockPending {
		s.mu.Unlock()
		return
	}
	s.unlockPending = true
	s.mu.Unlock()

	s.gestures.Once(func() {
		s.mu.Lock()
		s.unlockPending = false
		s.mu.Unlock()
		if err := s.out.Resume(context.Background()); err != nil {
			slog.Warn("playback: output still blocked after gesture", "err", err)
			return
		}
		slog.Info("playback: output unlocked by gesture")
	})
}

// toBuffer converts PCM16 to float with a linear fade at each end of every
// channel. The fade is bounded by half the buffer.
func (s *Scheduler) toBuffer(samples []int16, sampleRate, channels int) audio.Buffer {
	frames := len(samples) / channels
	data := pcm.Decode(samples[:frames*channels])

	fade := min(frames/2, max(1, int(int64(sampleRate)*s.fade.Milliseconds()/1000)))
	if fade > 0 {
		for ch := range channels {
			for i := range fade {
				gain := float32(i) / float32(fade)
				data[i*channels+ch] *= gain
				data[(frames-1-i)*channels+ch] *= gain
			}
		}
	}
	return audio.Buffer{Samples: data, SampleRate: sampleRate, Channels: channels}
}
