package playback

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
)

// ClipPlayer plays whole WAV clips, the legacy delivery format, as a single
// buffer on an output.
type ClipPlayer struct {
	out audio.Output
}

// NewClipPlayer returns a ClipPlayer for out.
func NewClipPlayer(out audio.Output) *ClipPlayer {
	return &ClipPlayer{out: out}
}

// Load decodes a base64 WAV clip. Nothing is scheduled until [Clip.Play].
func (c *ClipPlayer) Load(wavBase64 string) (*Clip, error) {
	raw, err := base64.StdEncoding.DecodeString(wavBase64)
	if err != nil {
		return nil, fmt.Errorf("playback: clip base64: %w", err)
	}
	wav, err := pcm.DecodeWAV(raw)
	if err != nil {
		return nil, fmt.Errorf("playback: clip: %w", err)
	}
	return &Clip{player: c, WAV: wav, done: make(chan struct{})}, nil
}

// Clip is a loaded WAV clip. It implements [Handle].
type Clip struct {
	player *ClipPlayer
	WAV    pcm.WAV

	mu       sync.Mutex
	src      audio.Source
	stopped  bool
	doneOnce sync.Once
	done     chan struct{}
}

// Play starts the clip as soon as possible. Playing a stopped clip does
// nothing.
func (c *Clip) Play(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.src != nil {
		return nil
	}
	out := c.player.out
	if out.State() != audio.OutputRunning {
		if err := out.Resume(ctx); err != nil {
			return fmt.Errorf("playback: clip output: %w", err)
		}
	}
	buf := audio.Buffer{
		Samples:    pcm.Decode(c.WAV.Samples),
		SampleRate: c.WAV.SampleRate,
		Channels:   c.WAV.Channels,
	}
	src, err := out.Schedule(buf, out.CurrentTime()+DefaultLatency, c.finish)
	if err != nil {
		return fmt.Errorf("playback: clip schedule: %w", err)
	}
	c.src = src
	return nil
}

// Stop implements [Handle].
func (c *Clip) Stop() {
	c.mu.Lock()
	c.stopped = true
	src := c.src
	c.mu.Unlock()
	if src != nil {
		src.Stop()
		return
	}
	c.finish()
}

// Done is closed once the clip has ended or was stopped.
func (c *Clip) Done() <-chan struct{} {
	return c.done
}

func (c *Clip) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}
