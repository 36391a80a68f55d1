package media

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Camera captures stills from a local video device through OpenCV. The
// device is opened per capture so the camera light is only on while a
// snapshot is taken.
type Camera struct {
	device  int
	quality int

	mu sync.Mutex // one capture at a time per device
}

// NewCamera returns a Camera for the given device index. quality <= 0
// selects [DefaultQuality].
func NewCamera(device, quality int) *Camera {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &Camera{device: device, quality: quality}
}

// Source implements [Capturer].
func (c *Camera) Source() string { return SourceCamera }

// Capture implements [Capturer].
func (c *Camera) Capture(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	vc, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return nil, fmt.Errorf("media: open camera %d: %w", c.device, err)
	}
	defer vc.Close()

	frame := gocv.NewMat()
	defer frame.Close()
	if ok := vc.Read(&frame); !ok || frame.Empty() {
		return nil, fmt.Errorf("%w: camera %d returned no frame", ErrNoSource, c.device)
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{int(gocv.IMWriteJpegQuality), c.quality})
	if err != nil {
		return nil, fmt.Errorf("media: encode camera frame: %w", err)
	}
	defer buf.Close()
	return bytes.Clone(buf.GetBytes()), nil
}
