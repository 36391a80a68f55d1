// Package app wires the avatarlink subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Run connects to the backend and serves the renderer bridge and debug
// endpoints until the context ends, and Shutdown releases the devices.
//
// For testing, inject device and media doubles via [Providers] and the
// functional options; nothing in New touches hardware directly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/avatarlink/internal/capture"
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/conversation"
	"github.com/MrWong99/avatarlink/internal/gesture"
	"github.com/MrWong99/avatarlink/internal/health"
	"github.com/MrWong99/avatarlink/internal/listener"
	"github.com/MrWong99/avatarlink/internal/media"
	"github.com/MrWong99/avatarlink/internal/notify"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/playback"
	"github.com/MrWong99/avatarlink/internal/resilience"
	"github.com/MrWong99/avatarlink/internal/sender"
	"github.com/MrWong99/avatarlink/internal/session"
	"github.com/MrWong99/avatarlink/internal/settings"
	"github.com/MrWong99/avatarlink/internal/transport"
	"github.com/MrWong99/avatarlink/internal/voice"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/avatar/bridge"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

// shutdownGrace bounds how long the HTTP servers get to drain.
const shutdownGrace = 3 * time.Second

// Providers holds the pluggable device-facing pieces. Populated by main.go
// via the config registry.
type Providers struct {
	Audio audio.Backend
	VAD   *resilience.FallbackGroup[vad.Engine]
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	media     *media.Set
	dialOpts  []transport.Option

	// Subsystems, initialised in New.
	state       *conversation.Store
	prefs       *settings.Store
	gestures    *gesture.Hub
	bridge      *bridge.Server
	notifier    notify.Notifier
	transport   *transport.Client
	output      audio.Output
	registry    *playback.Registry
	scheduler   *playback.Scheduler
	queue       *playback.TaskQueue
	player      *playback.Player
	interrupter *conversation.Interrupter
	sender      *sender.Pipeline
	voice       *voice.Controller
	session     *session.Handler

	bridgeLn net.Listener
	debugLn  net.Listener

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMediaSet injects snapshot sources instead of building camera and
// screen capturers from config.
func WithMediaSet(s *media.Set) Option {
	return func(a *App) { a.media = s }
}

// WithTransportOptions appends options to the backend client.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(a *App) { a.dialOpts = append(a.dialOpts, opts...) }
}

// New creates an App by wiring all subsystems together. The bridge and debug
// listeners are bound here so address conflicts fail fast.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Audio == nil || providers.VAD == nil {
		return nil, errors.New("app: audio backend and vad engines are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}

	prefs, err := settings.Open(cfg.PreferencesPath, preferenceDefaults(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: open preferences: %w", err)
	}
	a.prefs = prefs
	a.state = conversation.NewStore()
	a.gestures = &gesture.Hub{}

	a.bridge = bridge.New(
		bridge.WithGestureHandler(a.gestures.Fire),
		bridge.WithMicToggleHandler(func() { a.toggleMic(ctx) }),
		bridge.WithInterruptHandler(func() { a.interrupter.Interrupt(ctx, true, "user") }),
	)
	a.notifier = notify.Multi{notify.Log{}, notify.Toasts{T: a.bridge}}

	if err := a.initTransport(); err != nil {
		return nil, err
	}
	if err := a.initPlayback(); err != nil {
		return nil, err
	}
	a.initMedia()
	a.initVoice()

	a.session = session.New(session.Config{
		State:       a.state,
		Prefs:       a.prefs,
		Queue:       a.queue,
		Player:      a.player,
		Audio:       a.registry,
		Interrupter: a.interrupter,
		Mic:         a.voice,
		Sender:      a.transport,
		Display:     a.bridge,
		Notifier:    a.notifier,
		Media:       a.media,
		Metrics:     a.metrics,
	})
	a.transport.OnStateChange(func(s transport.State) {
		if s == transport.StateOpen {
			a.session.AnnounceListenMode()
		}
	})

	if err := a.listen(); err != nil {
		a.closeListeners()
		return nil, err
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTransport() error {
	url, err := a.cfg.Server.WebSocketURL()
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	opts := []transport.Option{
		transport.WithBackoff(a.cfg.Server.ReconnectInitial, a.cfg.Server.ReconnectMax),
	}
	if a.metrics != nil {
		opts = append(opts, transport.WithMetrics(a.metrics))
	}
	a.transport = transport.New(url, append(opts, a.dialOpts...)...)
	return nil
}

func (a *App) initPlayback() error {
	out, err := a.providers.Audio.Playback(audio.Format{
		SampleRate: a.cfg.Audio.OutputSampleRate,
		Channels:   a.cfg.Audio.OutputChannels,
	})
	if err != nil {
		return fmt.Errorf("app: open output: %w", err)
	}
	a.output = out

	schedOpts := []playback.SchedulerOption{playback.WithGestureUnlock(a.gestures)}
	var queueOpts []playback.QueueOption
	if a.metrics != nil {
		schedOpts = append(schedOpts, playback.WithSchedulerMetrics(a.metrics))
		queueOpts = append(queueOpts, playback.WithQueueMetrics(a.metrics))
	}
	a.registry = playback.NewRegistry()
	a.scheduler = playback.NewScheduler(out, schedOpts...)
	a.queue = playback.NewTaskQueue(queueOpts...)
	a.closers = append(a.closers, a.queue.Close, a.providers.Audio.Close)

	a.interrupter = conversation.NewInterrupter(a.state, a.registry, a.queue, a.transport)
	a.interrupter.OnInterrupt = func(origin string) {
		if a.metrics != nil {
			a.metrics.RecordInterruption(context.Background(), origin)
		}
	}

	a.player = playback.NewPlayer(playback.PlayerConfig{
		Store:     a.state,
		Registry:  a.registry,
		Scheduler: a.scheduler,
		Clips:     playback.NewClipPlayer(out),
		Model:     a.bridge.Model(),
		Display:   a.bridge,
		Sender:    a.transport,
		Notifier:  a.notifier,
	})
	return nil
}

func (a *App) initMedia() {
	if a.media != nil {
		return
	}
	var capturers []media.Capturer
	if c := a.cfg.Media.Camera; c.Enabled {
		capturers = append(capturers, media.NewCamera(c.Device, c.Quality))
	}
	if s := a.cfg.Media.Screen; s.Enabled {
		capturers = append(capturers, media.NewScreen(s.Display, s.Quality))
	}
	var opts []media.Option
	if a.metrics != nil {
		opts = append(opts, media.WithMetrics(a.metrics))
	}
	a.media = media.NewSet(capturers, opts...)
}

func (a *App) initVoice() {
	senderOpts := []sender.Option{
		sender.WithDrainDelay(a.cfg.Media.DrainDelay),
		sender.WithSnapshotTimeout(a.cfg.Media.SnapshotTimeout),
	}
	if a.metrics != nil {
		senderOpts = append(senderOpts, sender.WithMetrics(a.metrics))
	}
	a.sender = sender.New(a.transport, a.media, senderOpts...)

	mic := a.providers.Audio.Capture()
	a.voice = voice.New(voice.Config{
		State:       a.state,
		Prefs:       a.prefs,
		Audio:       a.registry,
		Queue:       a.queue,
		Interrupter: a.interrupter,
		Sender:      a.sender,
		Subtitles:   a.bridge,
		Notifier:    a.notifier,
		Gestures:    a.gestures,
		NewDetector: a.newDetector,
		NewUpstream: func(admit func() bool) voice.Upstream {
			return capture.New(mic, a.sender, admit)
		},
		Segmenter: segmenterConfig(a.cfg.VAD),
		Debug:     a.cfg.Audio.Debug,
	})
}

// newDetector starts a VAD listener on the configured microphone and engines.
func (a *App) newDetector(ctx context.Context, seg vad.SegmenterConfig, onEvent func(vad.Event)) (voice.Detector, error) {
	l, err := listener.Start(ctx, listener.Config{
		Mic:            a.providers.Audio.Capture(),
		Engines:        a.providers.VAD,
		Segmenter:      seg,
		FrameSamples:   a.cfg.VAD.FrameSamples,
		Aggressiveness: a.cfg.VAD.Aggressiveness,
		OnEvent:        onEvent,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (a *App) listen() error {
	ln, err := net.Listen("tcp", a.cfg.Server.BridgeAddr)
	if err != nil {
		return fmt.Errorf("app: bridge listen %q: %w", a.cfg.Server.BridgeAddr, err)
	}
	a.bridgeLn = ln
	if a.cfg.Server.DebugAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.Server.DebugAddr)
		if err != nil {
			return fmt.Errorf("app: debug listen %q: %w", a.cfg.Server.DebugAddr, err)
		}
		a.debugLn = ln
	}
	return nil
}

func (a *App) closeListeners() {
	for _, ln := range []net.Listener{a.bridgeLn, a.debugLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the backend, serves the bridge and debug endpoints and
// drives the microphone until ctx is cancelled. It returns the first fatal
// error, or nil on cancellation.
func (a *App) Run(ctx context.Context) error {
	a.transport.OnMessage(func(data []byte) {
		a.session.HandleRaw(ctx, data)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.transport.Run(ctx) })
	g.Go(func() error { return a.voice.Run(ctx) })
	g.Go(func() error { return serve(ctx, "bridge", a.bridgeLn, a.bridge.Handler()) })
	if a.debugLn != nil {
		g.Go(func() error { return serve(ctx, "debug", a.debugLn, a.debugHandler()) })
	}
	return g.Wait()
}

// BridgeAddr reports the bound renderer address.
func (a *App) BridgeAddr() string { return a.bridgeLn.Addr().String() }

// DebugAddr reports the bound debug address, or "" when disabled.
func (a *App) DebugAddr() string {
	if a.debugLn == nil {
		return ""
	}
	return a.debugLn.Addr().String()
}

func (a *App) debugHandler() http.Handler {
	mux := http.NewServeMux()
	health.New([]health.Checker{
		health.Condition("backend", "websocket not open", a.transport.IsOpen),
		health.Condition("output", "output device closed", func() bool {
			return a.output.State() != audio.OutputClosed
		}),
	}, health.WithStatus(func() any { return a.Status() })).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	if a.metrics != nil {
		h = observe.Middleware(a.metrics)(mux)
	}
	return h
}

func serve(ctx context.Context, name string, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("app: serving", "server", name, "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("app: %s server: %w", name, err)
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.Warn("app: server shutdown", "server", name, "err", err)
	}
	return nil
}

// toggleMic handles the renderer's mic button.
func (a *App) toggleMic(ctx context.Context) {
	if err := a.voice.Toggle(ctx); err != nil {
		slog.Debug("app: mic toggle", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops playback and releases devices. It respects the context
// deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.registry.StopAndClear()
		a.scheduler.StopAll()
		a.closeListeners()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// preferenceDefaults seeds fresh preferences from the mic and vad sections.
func preferenceDefaults(cfg *config.Config) settings.Prefs {
	p := settings.Defaults()
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	m := cfg.Mic
	set(&p.MicOn, m.MicOn)
	set(&p.AutoStopMic, m.AutoStopMic)
	set(&p.AutoStartMicOn, m.AutoStartMicOn)
	set(&p.AutoStartMicOnConvEnd, m.AutoStartMicOnConvEnd)
	set(&p.VoiceInterruptEnabled, m.VoiceInterruptEnabled)
	set(&p.ContinuousStreamingEnabled, m.ContinuousStreamingEnabled)
	set(&p.AutoStartOnLoad, m.AutoStartOnLoad)
	p.VAD = vadDefaults(cfg.VAD)
	return p
}

func vadDefaults(v config.VADConfig) settings.VAD {
	return settings.VAD{
		PositiveSpeechThreshold: v.PositiveSpeechThreshold,
		NegativeSpeechThreshold: v.NegativeSpeechThreshold,
		RedemptionFrames:        v.RedemptionFrames,
	}
}

// segmenterConfig carries the fixed segmenter knobs; thresholds are applied
// from preferences on every start.
func segmenterConfig(v config.VADConfig) vad.SegmenterConfig {
	seg := vad.DefaultSegmenterConfig()
	seg.MinSpeechFrames = v.MinSpeechFrames
	seg.PreSpeechPadFrames = v.PreSpeechPadFrames
	return seg
}
