// Package media grabs still images from the camera and the screen so they
// can be attached to the end of an utterance or returned to a backend tool
// that asked for one.
package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/protocol"
)

// Source names used on the wire.
const (
	SourceCamera = "camera"
	SourceScreen = "screen"
)

// MimeJPEG is the only encoding produced by this package.
const MimeJPEG = "image/jpeg"

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 80

// ErrNoSource is returned when no capturer is configured for a source or
// the device has nothing to offer.
var ErrNoSource = errors.New("media: no capture source available")

// Capturer grabs one JPEG still. Implementations need not honour ctx; the
// [Set] abandons captures whose context expires.
type Capturer interface {
	Source() string
	Capture(ctx context.Context) ([]byte, error)
}

// Option configures a [Set].
type Option func(*Set)

// WithMetrics records capture durations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Set) { s.metrics = m }
}

// Set is the collection of enabled capturers. A nil or empty Set captures
// nothing.
type Set struct {
	capturers []Capturer
	metrics   *observe.Metrics
}

// NewSet returns a Set over capturers, in the order images are reported.
func NewSet(capturers []Capturer, opts ...Option) *Set {
	s := &Set{capturers: capturers}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sources lists the configured sources.
func (s *Set) Sources() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.capturers))
	for i, c := range s.capturers {
		out[i] = c.Source()
	}
	return out
}

// CaptureAll grabs every source concurrently and returns the images that
// arrived before ctx expired. Failures are logged and skipped, so the result
// is never an error, only possibly empty.
func (s *Set) CaptureAll(ctx context.Context) []protocol.Image {
	if s == nil || len(s.capturers) == 0 {
		return nil
	}
	start := time.Now()
	results := make([]*protocol.Image, len(s.capturers))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range s.capturers {
		g.Go(func() error {
			img, err := s.capture(gctx, c)
			if err != nil {
				slog.Warn("media: capture failed", "source", c.Source(), "err", err)
				return nil
			}
			results[i] = &img
			return nil
		})
	}
	_ = g.Wait()

	images := make([]protocol.Image, 0, len(results))
	for _, r := range results {
		if r != nil {
			images = append(images, *r)
		}
	}
	if s.metrics != nil {
		s.metrics.SnapshotDuration.Record(ctx, time.Since(start).Seconds())
	}
	return images
}

// Capture grabs a single image from source.
func (s *Set) Capture(ctx context.Context, source string) (protocol.Image, error) {
	if s != nil {
		for _, c := range s.capturers {
			if c.Source() == source {
				return s.capture(ctx, c)
			}
		}
	}
	return protocol.Image{}, fmt.Errorf("%w: %s", ErrNoSource, source)
}

type captureResult struct {
	jpeg []byte
	err  error
}

func (s *Set) capture(ctx context.Context, c Capturer) (protocol.Image, error) {
	ctx, span := observe.StartSpan(ctx, "media.capture")
	span.SetAttributes(attribute.String("source", c.Source()))
	var err error
	defer func() { observe.EndSpan(span, err) }()

	ch := make(chan captureResult, 1)
	go func() {
		b, err := c.Capture(ctx)
		ch <- captureResult{jpeg: b, err: err}
	}()

	select {
	case <-ctx.Done():
		err = fmt.Errorf("media: %s: %w", c.Source(), ctx.Err())
		return protocol.Image{}, err
	case r := <-ch:
		if r.err != nil {
			err = r.err
			return protocol.Image{}, err
		}
		if len(r.jpeg) == 0 {
			err = fmt.Errorf("%w: %s returned an empty image", ErrNoSource, c.Source())
			return protocol.Image{}, err
		}
		return Encode(c.Source(), r.jpeg), nil
	}
}

// Encode wraps JPEG bytes as a wire image.
func Encode(source string, jpeg []byte) protocol.Image {
	return protocol.Image{
		Source:   source,
		Data:     base64.StdEncoding.EncodeToString(jpeg),
		MimeType: MimeJPEG,
	}
}
