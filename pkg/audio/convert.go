package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// FormatConverter converts buffers to a target format. It logs once on the
// first format mismatch and once on misaligned input.
// Create one per output; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once

	rs    *Resampler
	rsSrc Format
}

// Convert converts buf to the target format. A buffer that already matches
// is returned unchanged. Resampling happens before channel conversion and
// is continuous across calls while the source format stays the same.
func (c *FormatConverter) Convert(buf Buffer) Buffer {
	if buf.Channels <= 0 || len(buf.Samples)%buf.Channels != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: samples not aligned to channel count, dropping buffer",
				"samples", len(buf.Samples),
				"channels", buf.Channels,
			)
		})
		return Buffer{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels}
	}

	if buf.SampleRate == c.Target.SampleRate && buf.Channels == c.Target.Channels {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", buf.Format(),
			"to", c.Target,
		)
	})

	samples := buf.Samples
	channels := buf.Channels
	if buf.SampleRate != c.Target.SampleRate {
		if src := buf.Format(); c.rs == nil || c.rsSrc != src {
			c.rs = NewResampler(channels, buf.SampleRate, c.Target.SampleRate)
			c.rsSrc = src
		}
		samples = c.rs.Process(samples)
	}
	if channels != c.Target.Channels {
		switch {
		case channels == 1 && c.Target.Channels == 2:
			samples = MonoToStereo(samples)
		case channels == 2 && c.Target.Channels == 1:
			samples = StereoToMono(samples)
		default:
			samples = remix(samples, channels, c.Target.Channels)
		}
		channels = c.Target.Channels
	}

	return Buffer{Samples: samples, SampleRate: c.Target.SampleRate, Channels: channels}
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages each L+R pair.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// remix maps any channel count onto another by taking the first channel of
// each frame for every output channel.
func remix(samples []float32, from, to int) []float32 {
	frames := len(samples) / from
	out := make([]float32, frames*to)
	for i := range frames {
		for c := range to {
			out[i*to+c] = samples[i*from]
		}
	}
	return out
}

// Resampler is a streaming linear resampler. It carries the read position
// and the last input frame from one call to the next, so a signal split into
// consecutive buffers comes out the same as if resampled whole. Positions
// are kept in integer units of 1/dstRate source frames, so they never drift.
type Resampler struct {
	channels int
	src, dst int64
	pos      int64 // next read position relative to the next buffer, in 1/dst frames
	prev     []float32
}

// NewResampler returns a Resampler for interleaved audio with the given
// channel count. Equal or invalid rates make Process a pass-through.
func NewResampler(channels, srcRate, dstRate int) *Resampler {
	r := &Resampler{channels: channels}
	if channels > 0 && srcRate > 0 && dstRate > 0 && srcRate != dstRate {
		r.src, r.dst = int64(srcRate), int64(dstRate)
	}
	return r
}

// Process resamples the next buffer of the stream. The output frame that
// falls on the last input frame is deferred to the next call, where it can
// be interpolated against the sample that follows.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.src == 0 {
		return samples
	}
	ch := r.channels
	n := int64(len(samples) / ch)
	if n == 0 {
		return nil
	}
	at := func(idx int64, c int) float32 {
		if idx < 0 {
			return r.prev[c]
		}
		return samples[int(idx)*ch+c]
	}

	limit := (n - 1) * r.dst
	out := make([]float32, 0, int((limit-r.pos)/r.src+1)*ch)
	for ; r.pos < limit; r.pos += r.src {
		idx := floorDiv(r.pos, r.dst)
		frac := float32(r.pos-idx*r.dst) / float32(r.dst)
		for c := range ch {
			out = append(out, at(idx, c)*(1-frac)+at(idx+1, c)*frac)
		}
	}
	r.pos -= n * r.dst
	if r.prev == nil {
		r.prev = make([]float32, ch)
	}
	copy(r.prev, samples[int(n-1)*ch:int(n)*ch])
	return out
}

// Reset forgets the stream position, as if no buffer had been processed.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
