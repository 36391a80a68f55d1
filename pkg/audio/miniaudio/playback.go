package miniaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// Output is an [audio.Output] rendered by a malgo playback device. The clock
// counts device frames, so CurrentTime advances only while the device runs.
type Output struct {
	dev    *malgo.Device
	format audio.Format

	convMu sync.Mutex // guards conv, which carries resampler state between buffers
	conv   audio.FormatConverter

	mu      sync.Mutex
	state   audio.OutputState
	played  int64 // device frames rendered so far
	sources []*source
}

var _ audio.Output = (*Output)(nil)

// NewOutput creates a stopped playback device at the given device format.
func (b *Backend) NewOutput(format audio.Format) (*Output, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("miniaudio: invalid output format %s", format)
	}
	o := &Output{
		format: format,
		conv:   audio.FormatConverter{Target: format},
		state:  audio.OutputSuspended,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = uint32(format.Channels)
	devCfg.SampleRate = uint32(format.SampleRate)
	devCfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			o.render(out, int(frameCount))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init playback device: %w", classify(err))
	}
	o.dev = dev
	return o, nil
}

// State implements [audio.Output].
func (o *Output) State() audio.OutputState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Resume implements [audio.Output]. Native devices never need a gesture.
func (o *Output) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case audio.OutputRunning:
		return nil
	case audio.OutputClosed:
		return fmt.Errorf("miniaudio: resume: %w", audio.ErrUnsupported)
	}
	if err := o.dev.Start(); err != nil {
		return fmt.Errorf("miniaudio: start playback: %w", classify(err))
	}
	o.state = audio.OutputRunning
	return nil
}

// CurrentTime implements [audio.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.framesToDuration(o.played)
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Source, error) {
	o.convMu.Lock()
	converted := o.conv.Convert(buf)
	o.convMu.Unlock()
	if len(converted.Samples) == 0 {
		return nil, fmt.Errorf("miniaudio: schedule: empty buffer after conversion to %s", o.format)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == audio.OutputClosed {
		return nil, fmt.Errorf("miniaudio: schedule: output closed")
	}
	s := &source{
		out:     o,
		start:   o.durationToFrames(at),
		samples: converted.Samples,
		onEnded: onEnded,
	}
	o.sources = append(o.sources, s)
	return s, nil
}

// Close stops the device and ends every pending source.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.state == audio.OutputClosed {
		o.mu.Unlock()
		return nil
	}
	o.state = audio.OutputClosed
	pending := o.sources
	o.sources = nil
	o.mu.Unlock()

	o.dev.Uninit()
	for _, s := range pending {
		s.finish()
	}
	return nil
}

// render mixes every source overlapping the next frameCount device frames.
func (o *Output) render(out []byte, frameCount int) {
	ch := o.format.Channels
	var done []*source

	o.mu.Lock()
	from := o.played
	to := from + int64(frameCount)
	for i := range frameCount * ch {
		if (i+1)*4 > len(out) {
			break
		}
		var mixed float32
		pos := from + int64(i/ch)
		for _, s := range o.sources {
			if s.stopped || pos < s.start {
				continue
			}
			idx := (pos-s.start)*int64(ch) + int64(i%ch)
			if idx < int64(len(s.samples)) {
				mixed += s.samples[idx]
			}
		}
		putFloat32(out[i*4:], clamp(mixed))
	}
	o.played = to

	kept := o.sources[:0]
	for _, s := range o.sources {
		if s.stopped || s.start+int64(len(s.samples)/ch) <= to {
			done = append(done, s)
			continue
		}
		kept = append(kept, s)
	}
	o.sources = kept
	o.mu.Unlock()

	// Callbacks must not run on the realtime audio thread.
	if len(done) > 0 {
		go func() {
			for _, s := range done {
				s.finish()
			}
		}()
	}
}

func (o *Output) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(o.format.SampleRate)
}

func (o *Output) durationToFrames(d time.Duration) int64 {
	return int64(d) * int64(o.format.SampleRate) / int64(time.Second)
}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

type source struct {
	out     *Output
	start   int64
	samples []float32
	onEnded func()

	stopped bool // guarded by out.mu

	endOnce sync.Once
}

func (s *source) Stop() {
	s.out.mu.Lock()
	s.stopped = true
	running := s.out.state == audio.OutputRunning
	s.out.mu.Unlock()
	if !running {
		// Nothing will render the removal; end it here.
		s.out.mu.Lock()
		kept := s.out.sources[:0]
		for _, other := range s.out.sources {
			if other != s {
				kept = append(kept, other)
			}
		}
		s.out.sources = kept
		s.out.mu.Unlock()
		s.finish()
	}
}

func (s *source) finish() {
	s.endOnce.Do(func() {
		if s.onEnded != nil {
			s.onEnded()
		}
	})
}
