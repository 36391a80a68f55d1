// Command avatarlink is the desktop client that talks to a realtime avatar
// chat backend: it captures the microphone, plays the assistant's voice and
// drives the renderer bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/avatarlink/internal/app"
	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/observe"
	"github.com/MrWong99/avatarlink/internal/resilience"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/audio/miniaudio"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
	"github.com/MrWong99/avatarlink/pkg/provider/vad/energy"
	"github.com/MrWong99/avatarlink/pkg/provider/vad/webrtc"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "avatarlink: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "avatarlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("avatarlink starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(observe.DefaultMetrics()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Audio.Close()
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
			application.ApplyConfig(old, cur, &level)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("config watcher stopped", "err", err)
				}
			}()
		}
	}

	slog.Info("client ready, press Ctrl+C to quit", "renderer", application.BridgeAddr(), "debug", application.DebugAddr())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the bundled VAD engines and audio backends
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterVAD("webrtc", func(config.ProviderEntry) (vad.Engine, error) {
		return webrtc.New(), nil
	})

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		floor, okFloor := optFloat(entry.Options, "floor")
		ceiling, okCeiling := optFloat(entry.Options, "ceiling")
		if okFloor && okCeiling {
			opts = append(opts, energy.WithLevels(floor, ceiling))
		}
		if alpha, ok := optFloat(entry.Options, "smoothing"); ok {
			opts = append(opts, energy.WithSmoothing(alpha))
		}
		e, err := energy.New(opts...)
		if err != nil {
			return nil, err
		}
		return e, nil
	})

	reg.RegisterAudio("malgo", func(config.ProviderEntry) (audio.Backend, error) {
		b, err := miniaudio.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// buildProviders instantiates the configured audio backend and VAD chain.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	engines, err := reg.CreateVADGroup(cfg.Providers.VAD, resilience.FallbackConfig{})
	if err != nil {
		return nil, fmt.Errorf("create vad engines: %w", err)
	}
	slog.Info("provider created", "kind", "vad", "chain", engines.Names())

	backend, err := reg.CreateAudio(cfg.Providers.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Providers.Audio.Name, err)
	}
	slog.Info("provider created", "kind", "audio", "name", cfg.Providers.Audio.Name)

	return &app.Providers{Audio: backend, VAD: engines}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	url, _ := cfg.Server.WebSocketURL()
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       avatarlink: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Backend", url)
	printRow("Renderer", cfg.Server.BridgeAddr)
	printRow("Debug", orDisabled(cfg.Server.DebugAddr))
	printRow("Audio", cfg.Providers.Audio.Name)
	for i, name := range ps.VAD.Names() {
		label := "VAD"
		if i > 0 {
			label = "VAD fallback"
		}
		printRow(label, name)
	}
	printRow("Camera", onOff(cfg.Media.Camera.Enabled))
	printRow("Screen", onOff(cfg.Media.Screen.Enabled))
	printRow("Preferences", orDisabled(cfg.PreferencesPath))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "(disabled)"
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
