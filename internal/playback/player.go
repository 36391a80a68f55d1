package playback

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/avatarlink/internal/conversation"
	"github.com/MrWong99/avatarlink/internal/notify"
	"github.com/MrWong99/avatarlink/internal/protocol"
	"github.com/MrWong99/avatarlink/internal/transport"
	"github.com/MrWong99/avatarlink/pkg/audio/pcm"
	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// Defaults applied when an audio message omits its format.
const (
	defaultSampleRate = 16000
	defaultChannels   = 1
)

// PlayerConfig wires a [Player].
type PlayerConfig struct {
	Store     *conversation.Store
	Registry  *Registry
	Scheduler *Scheduler
	Clips     *ClipPlayer
	Model     avatar.Model
	Display   avatar.Display
	Sender    conversation.Sender
	Notifier  notify.Notifier

	// LipSyncInterval overrides the mouth update period. Default: 1/30 s.
	LipSyncInterval time.Duration
}

// Player turns one inbound audio message into sound, subtitles and
// animation.
type Player struct {
	cfg PlayerConfig

	mu      sync.Mutex
	lastAI  string
	opus    *pcm.OpusDecoder
	opusFmt [2]int
}

// NewPlayer returns a Player. Store, Registry, Scheduler, Display, Sender
// and Notifier are required.
func NewPlayer(cfg PlayerConfig) *Player {
	if cfg.LipSyncInterval <= 0 {
		cfg.LipSyncInterval = time.Second / lipSyncRate
	}
	return &Player{cfg: cfg}
}

// Task wraps msg as a queue task.
func (p *Player) Task(msg protocol.Inbound) Task {
	return func(ctx context.Context) error {
		return p.Play(ctx, msg)
	}
}

// Play runs the whole playback lifecycle of msg and returns once its audio
// has ended, failed or been stopped. Failures are reported to the user and
// returned; they never leave the registry bound.
func (p *Player) Play(ctx context.Context, msg protocol.Inbound) error {
	if p.cfg.Store.Is(conversation.Interrupted) {
		slog.Debug("playback: skipped, conversation interrupted")
		return nil
	}

	canStream := msg.HasStreamingAudio() || msg.HasOpusAudio()
	hasAudio := msg.Audio != "" || canStream

	if msg.DisplayText != nil {
		p.showText(msg, hasAudio)
	}

	var err error
	switch {
	case canStream:
		err = p.playStream(ctx, msg)
	case msg.Audio != "":
		err = p.playClip(ctx, msg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.cfg.Notifier.Notify(ctx, notify.Notice{
			Title:    "Audio playback failed: " + err.Error(),
			Severity: notify.SeverityError,
			Duration: notify.DurationShort,
		})
	}
	return err
}

// showText records the sentence in the chat history (once), shows it as a
// subtitle when it will be spoken, and tells the backend playback started.
func (p *Player) showText(msg protocol.Inbound, hasAudio bool) {
	text := msg.DisplayText.Text

	p.mu.Lock()
	dup := text == p.lastAI
	p.lastAI = text
	p.mu.Unlock()

	if !dup {
		p.cfg.Store.AppendResponse(text)
		p.cfg.Display.AppendMessage(avatar.RoleAI, text)
	}
	if hasAudio {
		p.cfg.Display.SetSubtitle(text)
	}
	if !msg.Forwarded {
		err := p.cfg.Sender.Send(protocol.AudioPlayStart{
			Type:        protocol.TypeAudioPlayStart,
			DisplayText: msg.DisplayText,
			Forwarded:   true,
		})
		if err != nil && !errors.Is(err, transport.ErrNotOpen) {
			slog.Warn("playback: send audio-play-start", "err", err)
		}
	}
}

// ForgetLastMessage resets chat history dedupe, e.g. when a new
// conversation chain starts.
func (p *Player) ForgetLastMessage() {
	p.mu.Lock()
	p.lastAI = ""
	p.mu.Unlock()
}

func (p *Player) animate(msg protocol.Inbound) bool {
	m := p.cfg.Model
	if m == nil {
		slog.Error("playback: no avatar model attached")
		return false
	}
	if expr, ok := msg.FirstExpression(); ok {
		m.SetExpression(expr)
	}
	m.StartMotion(avatar.TalkMotion)
	return true
}

func (p *Player) playStream(ctx context.Context, msg protocol.Inbound) error {
	rate := msg.AudioSampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := msg.AudioChannels
	if channels <= 0 {
		channels = defaultChannels
	}
	samples, err := p.decode(msg, rate, channels)
	if err != nil {
		return err
	}
	if !p.animate(msg) {
		return nil
	}

	reg := p.cfg.Registry
	h := NewHandle(p.cfg.Scheduler.StopAll)
	reg.Bind(h, p.cfg.Model)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		reg.Clear(h)
		once.Do(func() { close(done) })
	}

	res, err := p.cfg.Scheduler.Enqueue(ctx, samples, rate, channels, cleanup)
	if err != nil {
		reg.Clear(h)
		return err
	}
	if !res.Started {
		reg.Clear(h)
		if msg.Audio != "" {
			slog.Info("playback: output not running, falling back to clip")
			return p.playClip(ctx, msg)
		}
		return nil
	}

	if ls, ok := p.cfg.Model.(avatar.LipSyncer); ok {
		levels := volumeEnvelope(msg.Volumes, msg.SliceLength, pcmDuration(len(res.PCM), rate, channels))
		if levels == nil {
			levels = envelope(res.PCM, rate, channels)
		}
		go driveLipSync(ctx, reg, h, ls, levels, p.cfg.LipSyncInterval, done)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		reg.StopAndClear()
		return ctx.Err()
	}
}

func (p *Player) playClip(ctx context.Context, msg protocol.Inbound) error {
	if p.cfg.Clips == nil {
		return fmt.Errorf("playback: no clip player for legacy audio")
	}
	clip, err := p.cfg.Clips.Load(msg.Audio)
	if err != nil {
		return err
	}
	if !p.animate(msg) {
		return nil
	}

	reg := p.cfg.Registry
	reg.Bind(clip, p.cfg.Model)
	defer reg.Clear(clip)

	if p.cfg.Store.Is(conversation.Interrupted) || !reg.Owns(clip) {
		slog.Debug("playback: clip cancelled before start")
		return nil
	}
	if err := clip.Play(ctx); err != nil {
		return err
	}

	if ls, ok := p.cfg.Model.(avatar.LipSyncer); ok {
		levels := envelope(clip.WAV.Samples, clip.WAV.SampleRate, clip.WAV.Channels)
		go driveLipSync(ctx, reg, clip, ls, levels, p.cfg.LipSyncInterval, clip.Done())
	}

	select {
	case <-clip.Done():
		return nil
	case <-ctx.Done():
		clip.Stop()
		return ctx.Err()
	}
}

func (p *Player) decode(msg protocol.Inbound, rate, channels int) ([]int16, error) {
	if !msg.HasOpusAudio() {
		samples, err := pcm.DecodeBase64(msg.AudioPCM)
		if err != nil {
			return nil, fmt.Errorf("playback: %w", err)
		}
		return samples, nil
	}

	payload, err := base64.StdEncoding.DecodeString(msg.AudioPCM)
	if err != nil {
		return nil, fmt.Errorf("playback: opus base64: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opus == nil || p.opusFmt != [2]int{rate, channels} {
		dec, err := pcm.NewOpusDecoder(rate, channels)
		if err != nil {
			return nil, fmt.Errorf("playback: %w", err)
		}
		p.opus, p.opusFmt = dec, [2]int{rate, channels}
	}
	samples, err := p.opus.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("playback: %w", err)
	}
	return samples, nil
}

func pcmDuration(samples, rate, channels int) time.Duration {
	return time.Duration(samples/channels) * time.Second / time.Duration(rate)
}
