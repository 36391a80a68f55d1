// Package sender uploads captured speech to the backend as mic-audio-data
// frames followed by a mic-audio-end marker.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/protocol"
	"github.com/MrWong99/avatarlink/internal/transport"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
)

const (
	// ChunkSamples is the size of every mic-audio-data frame.
	ChunkSamples = 4096

	// DefaultDrainDelay lets in-flight frames reach the backend before the
	// end marker.
	DefaultDrainDelay = 150 * time.Millisecond

	// DefaultSnapshotTimeout bounds how long mic-audio-end waits for images.
	DefaultSnapshotTimeout = 800 * time.Millisecond
)

// Frame modes recorded on the frames-sent metric.
const (
	ModeUtterance  = "utterance"
	ModeContinuous = "continuous"
)

// Transport is the outbound half of the backend connection.
type Transport interface {
	Send(v any) error
	IsOpen() bool
}

// Snapshotter gathers images to attach to mic-audio-end.
type Snapshotter interface {
	CaptureAll(ctx context.Context) []protocol.Image
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithDrainDelay overrides [DefaultDrainDelay].
func WithDrainDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.drainDelay = d }
}

// WithSnapshotTimeout overrides [DefaultSnapshotTimeout].
func WithSnapshotTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.snapshotTimeout = d }
}

// WithMetrics records frames and utterances on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline sends speech over a [Transport]. It is safe for concurrent use;
// ordering between concurrent utterances is whatever order their frames
// reach the transport's queue.
type Pipeline struct {
	tr              Transport
	media           Snapshotter
	drainDelay      time.Duration
	snapshotTimeout time.Duration
	metrics         *observe.Metrics
}

// New returns a Pipeline. media may be nil, in which case mic-audio-end
// never carries images.
func New(tr Transport, media Snapshotter, opts ...Option) *Pipeline {
	p := &Pipeline{
		tr:              tr,
		media:           media,
		drainDelay:      DefaultDrainDelay,
		snapshotTimeout: DefaultSnapshotTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SendUtterance uploads a whole utterance: fixed-size data frames in order,
// a short drain delay, then one mic-audio-end with whatever snapshots could
// be taken in time. Nothing is sent when the transport is not open. If a
// frame fails or ctx ends first, mic-audio-end still goes out, without
// images, so the backend never holds a half-open utterance.
func (p *Pipeline) SendUtterance(ctx context.Context, samples []float32, sampleRate, channels int) (err error) {
	if !p.tr.IsOpen() {
		slog.Debug("sender: transport not open, utterance dropped", "samples", len(samples))
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "sender.utterance")
	span.SetAttributes(
		attribute.Int("samples", len(samples)),
		attribute.Int("sample_rate", sampleRate),
	)
	defer func() { observe.EndSpan(span, err) }()
	start := time.Now()

	frames := 0
	for i := 0; i < len(samples); i += ChunkSamples {
		end := min(i+ChunkSamples, len(samples))
		msg := protocol.NewMicAudioData(pcm.EncodeBase64(samples[i:end]), sampleRate, channels)
		if err := p.tr.Send(msg); err != nil {
			if errors.Is(err, transport.ErrNotOpen) {
				slog.Info("sender: connection lost mid-utterance", "sent_frames", frames)
				return nil
			}
			return errors.Join(fmt.Errorf("sender: frame %d: %w", frames, err), p.sendEnd(nil))
		}
		frames++
		if p.metrics != nil {
			p.metrics.RecordFrameSent(ctx, ModeUtterance)
		}
	}

	t := time.NewTimer(p.drainDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return errors.Join(ctx.Err(), p.sendEnd(nil))
	case <-t.C:
	}

	if err := p.sendEnd(p.snapshot(ctx)); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.UtterancesSent.Add(ctx, 1)
		p.metrics.UtteranceSendDuration.Record(ctx, time.Since(start).Seconds())
	}
	slog.Debug("sender: utterance sent", "frames", frames, "duration", time.Since(start))
	return nil
}

// SendFrame sends one continuous-mode frame. Empty frames and a closed
// transport are no-ops.
func (p *Pipeline) SendFrame(samples []float32, sampleRate, channels int) {
	if len(samples) == 0 || !p.tr.IsOpen() {
		return
	}
	msg := protocol.NewMicAudioData(pcm.EncodeBase64(samples), sampleRate, channels)
	if err := p.tr.Send(msg); err != nil {
		if !errors.Is(err, transport.ErrNotOpen) {
			slog.Warn("sender: continuous frame dropped", "err", err)
		}
		return
	}
	if p.metrics != nil {
		p.metrics.RecordFrameSent(context.Background(), ModeContinuous)
	}
}

// SendEnd emits mic-audio-end, with snapshots when withMedia is set.
func (p *Pipeline) SendEnd(ctx context.Context, withMedia bool) error {
	if !p.tr.IsOpen() {
		return nil
	}
	var images []protocol.Image
	if withMedia {
		images = p.snapshot(ctx)
	}
	return p.sendEnd(images)
}

func (p *Pipeline) sendEnd(images []protocol.Image) error {
	err := p.tr.Send(protocol.NewMicAudioEnd(images))
	if err != nil && !errors.Is(err, transport.ErrNotOpen) {
		return fmt.Errorf("sender: mic-audio-end: %w", err)
	}
	return nil
}

func (p *Pipeline) snapshot(ctx context.Context) []protocol.Image {
	if p.media == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.snapshotTimeout)
	defer cancel()
	return p.media.CaptureAll(ctx)
}
