package media

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/kbinani/screenshot"
)

// Screen captures the contents of one display.
type Screen struct {
	display int
	quality int
}

// NewScreen returns a Screen for the given display index. quality <= 0
// selects [DefaultQuality].
func NewScreen(display, quality int) *Screen {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &Screen{display: display, quality: quality}
}

// Source implements [Capturer].
func (s *Screen) Source() string { return SourceScreen }

// Capture implements [Capturer].
func (s *Screen) Capture(context.Context) ([]byte, error) {
	if n := screenshot.NumActiveDisplays(); s.display >= n {
		return nil, fmt.Errorf("%w: display %d of %d", ErrNoSource, s.display, n)
	}
	img, err := screenshot.CaptureDisplay(s.display)
	if err != nil {
		return nil, fmt.Errorf("media: capture display %d: %w", s.display, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		return nil, fmt.Errorf("media: encode screen: %w", err)
	}
	return buf.Bytes(), nil
}
