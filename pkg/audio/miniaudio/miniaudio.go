// Package miniaudio implements [audio.Microphone] and [audio.Output] on top of
// github.com/gen2brain/malgo (Go bindings for miniaudio).
//
// A single [Backend] owns the malgo context; capture and playback devices are
// created from it. The playback side keeps a frame-accurate clock advanced by
// the device callback, so buffers scheduled back to back are rendered without
// gaps, and several overlapping sources are mixed.
package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/avatarlink/pkg/audio"
)

// Backend owns a malgo context.
type Backend struct {
	ctx *malgo.AllocatedContext

	closeOnce sync.Once
}

// New initialises the miniaudio context with the platform's default backends.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", classify(err))
	}
	return &Backend{ctx: ctx}, nil
}

// Close releases the malgo context. Devices created from the backend must be
// closed first.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.ctx.Uninit()
		b.ctx.Free()
	})
	return err
}

// Microphone returns an [audio.Microphone] backed by the default capture device.
func (b *Backend) Microphone() *Microphone {
	return &Microphone{backend: b}
}

// Capture implements [audio.Backend].
func (b *Backend) Capture() audio.Microphone { return b.Microphone() }

// Playback implements [audio.Backend].
func (b *Backend) Playback(format audio.Format) (audio.Output, error) {
	out, err := b.NewOutput(format)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ audio.Backend = (*Backend)(nil)

// classify maps miniaudio result errors onto the audio package sentinels.
// malgo surfaces miniaudio result codes as plain errors, so the text is all
// there is to go on.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return errors.Join(audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no backend"), strings.Contains(msg, "no device"),
		strings.Contains(msg, "not implemented"):
		return errors.Join(audio.ErrUnsupported, err)
	default:
		return err
	}
}

func float32FromBytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}
