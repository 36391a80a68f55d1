// Package voice decides what the user's voice does to the conversation.
//
// The [Controller] owns the microphone lifecycle (the VAD listener and the
// continuous capture upstream), reacts to voice-activity events by moving
// the conversation state, interrupting the assistant or uploading the
// utterance, and gates which continuous frames reach the backend.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/avatarlink/internal/conversation"
	"github.com/MrWong99/avatarlink/internal/gesture"
	"github.com/MrWong99/avatarlink/internal/notify"
	"github.com/MrWong99/avatarlink/internal/settings"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

// Source says who asked for a mic start or stop. User actions also update
// the auto-start-on-load preference.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

const (
	// DefaultRestartDelay separates stopping and restarting the listener
	// after a threshold change.
	DefaultRestartDelay = 100 * time.Millisecond

	// utteranceRate is the rate of segmenter audio.
	utteranceRate = 16000

	misfireText = "Speech was too short to recognise, please try again."
)

// Detector is a running VAD listener.
type Detector interface {
	Stop()
}

// DetectorFactory starts a listener with the given segmenter thresholds that
// delivers its events to onEvent.
type DetectorFactory func(ctx context.Context, seg vad.SegmenterConfig, onEvent func(vad.Event)) (Detector, error)

// Upstream is the continuous capture stream.
type Upstream interface {
	Start(ctx context.Context) error
	Stop(emitEnd bool)
}

// UtteranceSender uploads a finished utterance.
type UtteranceSender interface {
	SendUtterance(ctx context.Context, samples []float32, sampleRate, channels int) error
}

// Interrupter cuts the assistant short.
type Interrupter interface {
	Interrupt(ctx context.Context, sendSignal bool, origin string) bool
}

// Config wires a [Controller]. Gestures, RestartDelay and Debug are
// optional.
type Config struct {
	State       *conversation.Store
	Prefs       *settings.Store
	Audio       interface{ HasActive() bool }
	Queue       interface{ Clear() }
	Interrupter Interrupter
	Sender      UtteranceSender
	Subtitles   interface{ SetSubtitle(text string) }
	Notifier    notify.Notifier
	Gestures    *gesture.Hub

	// NewDetector starts VAD listeners.
	NewDetector DetectorFactory

	// NewUpstream builds the continuous upstream around the controller's
	// admission predicate.
	NewUpstream func(admit func() bool) Upstream

	// Segmenter supplies the fixed segmenter knobs (minimum speech and
	// pre-speech padding); thresholds come from preferences.
	Segmenter vad.SegmenterConfig

	RestartDelay time.Duration

	// Debug logs every voice event at Info instead of Debug.
	Debug bool
}

// Controller is the voice-activity state machine. It is safe for concurrent
// use; VAD events arrive on the listener's goroutine.
type Controller struct {
	cfg      Config
	upstream Upstream

	// continuous is the runtime streaming flag: the preference, downgraded
	// to false when the upstream could not start.
	continuous atomic.Bool
	debug      atomic.Bool

	mu            sync.Mutex
	ctx           context.Context
	detector      Detector
	processing    bool
	prev          conversation.State
	maxProb       float64
	starting      bool
	detachGesture func()
	restart       *time.Timer
	autoAttempted bool
}

// New returns a Controller. The microphone stays off until [Controller.Run]
// or an explicit start.
func New(cfg Config) *Controller {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.Gestures == nil {
		cfg.Gestures = &gesture.Hub{}
	}
	c := &Controller{cfg: cfg, ctx: context.Background()}
	c.upstream = cfg.NewUpstream(c.Admit)
	c.continuous.Store(cfg.Prefs.Get().ContinuousStreamingEnabled)
	c.debug.Store(cfg.Debug)
	return c
}

// Run auto-starts the microphone when the preferences ask for it, then
// blocks until ctx is done and releases the devices. Preferences are left
// untouched on shutdown so the next run restores the same state.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	attempt := !c.autoAttempted
	c.autoAttempted = true
	c.mu.Unlock()

	if p := c.cfg.Prefs.Get(); attempt && (p.MicOn || p.AutoStartOnLoad) {
		// Failures are reported to the user and may arm a gesture retry.
		_ = c.StartMic(ctx, SourceAuto)
	}

	<-ctx.Done()
	c.shutdown()
	return nil
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	d := c.detector
	c.detector = nil
	c.processing = false
	if c.restart != nil {
		c.restart.Stop()
		c.restart = nil
	}
	detach := c.detachGesture
	c.detachGesture = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	if d != nil {
		d.Stop()
	}
	c.upstream.Stop(false)
}

// Admit reports whether a continuous frame may be sent right now.
func (c *Controller) Admit() bool {
	if !c.continuous.Load() {
		return false
	}
	p := c.cfg.Prefs.Get()
	if !p.MicOn {
		return false
	}
	switch c.cfg.State.Get() {
	case conversation.Interrupted:
		return false
	case conversation.ThinkingSpeaking:
		return p.VoiceInterruptEnabled
	}
	return true
}

// Listening reports whether a VAD listener is running.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detector != nil
}

// Continuous reports the runtime streaming flag.
func (c *Controller) Continuous() bool {
	return c.continuous.Load()
}

// MaxProbability returns the highest speech probability seen in the current
// utterance.
func (c *Controller) MaxProbability() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxProb
}

// StartMic starts the VAD listener and, in continuous mode, the upstream.
// Concurrent starts collapse into one. Errors have already been reported
// through the notifier when StartMic returns them.
func (c *Controller) StartMic(ctx context.Context, src Source) error {
	c.mu.Lock()
	if c.starting {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	running := c.detector != nil
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	c.trace("voice: start mic", "source", src)
	prefs := c.cfg.Prefs.Get()

	if !running {
		d, err := c.cfg.NewDetector(ctx, prefs.VAD.Apply(c.cfg.Segmenter), c.HandleEvent)
		if err != nil {
			c.startFailed(ctx, src, err)
			return fmt.Errorf("voice: start listener: %w", err)
		}
		c.mu.Lock()
		c.detector = d
		c.mu.Unlock()
	}

	c.continuous.Store(prefs.ContinuousStreamingEnabled)
	if prefs.ContinuousStreamingEnabled {
		c.startUpstream(ctx)
	} else {
		c.upstream.Stop(false)
	}

	c.persist(func(s *settings.Store) error { return s.SetMicOn(true) })
	if src == SourceUser {
		c.persist(func(s *settings.Store) error { return s.SetAutoStartOnLoad(true) })
	}
	c.dropGestureRetry()
	return nil
}

func (c *Controller) startFailed(ctx context.Context, src Source, err error) {
	slog.Error("voice: failed to start microphone", "source", src, "err", err)
	if src == SourceAuto && errors.Is(err, audio.ErrPermissionDenied) {
		c.cfg.Notifier.Notify(ctx, notify.Notice{
			Title:    "Microphone auto-start was blocked. Click or press a key to enable it.",
			Severity: notify.SeverityWarning,
			Duration: notify.DurationLong,
		})
		c.armGestureRetry()
		return
	}
	c.persist(func(s *settings.Store) error { return s.SetMicOn(false) })
	c.cfg.Notifier.Notify(ctx, notify.Notice{
		Title:    "Failed to start voice detection: " + err.Error(),
		Severity: notify.SeverityError,
		Duration: notify.DurationShort,
	})
}

func (c *Controller) startUpstream(ctx context.Context) {
	if err := c.upstream.Start(ctx); err != nil {
		slog.Warn("voice: continuous upstream failed, falling back to utterance mode", "err", err)
		c.continuous.Store(false)
		c.cfg.Notifier.Notify(ctx, notify.Notice{
			Title:    "Failed to start voice detection: " + err.Error(),
			Severity: notify.SeverityWarning,
			Duration: notify.DurationDefault,
		})
	}
}

// armGestureRetry retries the start as a user action on the next renderer
// gesture.
func (c *Controller) armGestureRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detachGesture != nil {
		return
	}
	c.detachGesture = c.cfg.Gestures.Once(func() {
		c.mu.Lock()
		c.detachGesture = nil
		ctx := c.ctx
		c.mu.Unlock()
		_ = c.StartMic(ctx, SourceUser)
	})
}

func (c *Controller) dropGestureRetry() {
	c.mu.Lock()
	detach := c.detachGesture
	c.detachGesture = nil
	c.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// StopMic stops the listener and the upstream. A mic-audio-end is emitted
// when continuous streaming was live.
func (c *Controller) StopMic(src Source) {
	c.trace("voice: stop mic", "source", src)

	c.mu.Lock()
	d := c.detector
	c.detector = nil
	c.processing = false
	c.maxProb = 0
	c.mu.Unlock()

	if d != nil {
		d.Stop()
	}
	c.upstream.Stop(c.continuous.Load())
	c.continuous.Store(false)

	c.persist(func(s *settings.Store) error { return s.SetMicOn(false) })
	if src == SourceUser {
		c.persist(func(s *settings.Store) error { return s.SetAutoStartOnLoad(false) })
	}
	c.dropGestureRetry()
}

// Toggle is the user's mic button. It follows the stored mic_on flag, so a
// mic that is on but not yet listening (a pending restart or gesture retry)
// is turned off. Turning the mic off returns a listening conversation to
// idle.
func (c *Controller) Toggle(ctx context.Context) error {
	if c.cfg.Prefs.Get().MicOn {
		c.StopMic(SourceUser)
		c.cfg.State.CompareAndSet(conversation.Listening, conversation.Idle)
		return nil
	}
	return c.StartMic(ctx, SourceUser)
}

// UpdateSettings stores new thresholds and restarts a running listener so
// they take effect.
func (c *Controller) UpdateSettings(v settings.VAD) error {
	if err := c.cfg.Prefs.SetVAD(v); err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	if !c.Listening() {
		return nil
	}
	c.StopMic(SourceSystem)

	c.mu.Lock()
	if c.restart != nil {
		c.restart.Stop()
	}
	ctx := c.ctx
	c.restart = time.AfterFunc(c.cfg.RestartDelay, func() {
		c.mu.Lock()
		c.restart = nil
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = c.StartMic(ctx, SourceUser)
	})
	c.mu.Unlock()
	return nil
}

// SetContinuousStreaming changes the streaming preference and applies it
// immediately when the mic is on.
func (c *Controller) SetContinuousStreaming(ctx context.Context, enabled bool) error {
	if err := c.cfg.Prefs.SetContinuousStreaming(enabled); err != nil {
		return fmt.Errorf("voice: %w", err)
	}
	c.continuous.Store(enabled)
	if !c.cfg.Prefs.Get().MicOn {
		return nil
	}
	if enabled {
		c.startUpstream(ctx)
	} else {
		c.upstream.Stop(false)
	}
	return nil
}

// HandleEvent applies one VAD event.
func (c *Controller) HandleEvent(ev vad.Event) {
	switch ev.Type {
	case vad.EventFrameProcessed:
		c.mu.Lock()
		if ev.Probability > c.maxProb {
			c.maxProb = ev.Probability
		}
		c.mu.Unlock()
	case vad.EventSpeechStart:
		c.onSpeechStart()
	case vad.EventSpeechRealStart:
		c.onSpeechRealStart()
	case vad.EventSpeechEnd:
		c.onSpeechEnd(ev.Audio)
	case vad.EventMisfire:
		c.onMisfire()
	}
}

func (c *Controller) onSpeechStart() {
	st := c.cfg.State.Get()
	interruptOK := c.cfg.Prefs.Get().VoiceInterruptEnabled
	c.trace("voice: speech start", "state", st, "voice_interrupt", interruptOK)

	c.mu.Lock()
	defer c.mu.Unlock()
	if st == conversation.ThinkingSpeaking && !interruptOK && c.cfg.Audio.HasActive() {
		c.processing = false
		return
	}
	c.prev = st
	c.processing = true
}

func (c *Controller) onSpeechRealStart() {
	c.mu.Lock()
	if !c.processing {
		c.mu.Unlock()
		return
	}
	prev, ctx := c.prev, c.ctx
	c.mu.Unlock()

	c.trace("voice: speech confirmed", "previous_state", prev)
	if prev == conversation.ThinkingSpeaking &&
		c.cfg.Prefs.Get().VoiceInterruptEnabled &&
		c.cfg.Audio.HasActive() {
		c.cfg.Interrupter.Interrupt(ctx, true, "voice")
	}
	c.cfg.State.Set(conversation.Listening)
}

func (c *Controller) onSpeechEnd(samples []float32) {
	c.mu.Lock()
	if !c.processing {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	c.trace("voice: speech end", "samples", len(samples))
	c.cfg.Queue.Clear()

	// The mode is read before an auto-stop clears it.
	utteranceMode := !c.continuous.Load()
	if c.cfg.Prefs.Get().AutoStopMic {
		c.StopMic(SourceSystem)
	}

	c.mu.Lock()
	c.maxProb = 0
	c.processing = false
	c.mu.Unlock()

	if utteranceMode {
		go func() {
			if err := c.cfg.Sender.SendUtterance(ctx, samples, utteranceRate, 1); err != nil {
				slog.Warn("voice: utterance upload failed", "err", err)
			}
		}()
	} else {
		c.trace("voice: continuous mode, utterance upload skipped")
	}
	c.cfg.State.Set(conversation.ThinkingSpeaking)
}

func (c *Controller) onMisfire() {
	c.mu.Lock()
	if !c.processing {
		c.mu.Unlock()
		return
	}
	c.maxProb = 0
	c.processing = false
	prev := c.prev
	c.mu.Unlock()

	c.trace("voice: misfire", "restore_state", prev)
	c.cfg.State.Set(prev)
	c.cfg.Subtitles.SetSubtitle(misfireText)
}

func (c *Controller) persist(fn func(*settings.Store) error) {
	if err := fn(c.cfg.Prefs); err != nil {
		slog.Warn("voice: save preferences", "err", err)
	}
}

// SetDebug switches verbose voice logging on or off.
func (c *Controller) SetDebug(on bool) { c.debug.Store(on) }

func (c *Controller) trace(msg string, args ...any) {
	if c.debug.Load() {
		slog.Info(msg, args...)
		return
	}
	slog.Debug(msg, args...)
}
