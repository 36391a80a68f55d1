package app

import (
	"log/slog"

	"github.com/MrWong99/avatarlink/internal/config"
	"github.com/MrWong99/avatarlink/internal/settings"
)

// Status is the snapshot served on /statusz.
type Status struct {
	Conversation  string         `json:"conversation"`
	Connection    string         `json:"connection"`
	ConnectionID  string         `json:"connection_id,omitempty"`
	Listening     bool           `json:"listening"`
	Continuous    bool           `json:"continuous"`
	SpeakingAudio bool           `json:"speaking_audio"`
	QueuedTask    bool           `json:"queued_task"`
	Renderers     int            `json:"renderers"`
	PendingUnlock int            `json:"pending_unlock"`
	VADEngines    []string       `json:"vad_engines"`
	Preferences   settings.Prefs `json:"preferences"`
}

// Status reports the live pipeline state.
func (a *App) Status() Status {
	return Status{
		Conversation:  a.state.Get().String(),
		Connection:    a.transport.State().String(),
		ConnectionID:  a.transport.ConnectionID(),
		Listening:     a.voice.Listening(),
		Continuous:    a.voice.Continuous(),
		SpeakingAudio: a.registry.HasActive(),
		QueuedTask:    a.queue.HasTask(),
		Renderers:     a.bridge.Clients(),
		PendingUnlock: a.gestures.Pending(),
		VADEngines:    a.providers.VAD.Names(),
		Preferences:   a.prefs.Get(),
	}
}

// ApplyConfig hot-reloads the parts of cfg that can change without a
// restart. Everything else is logged and left alone.
func (a *App) ApplyConfig(old, cur *config.Config, level *slog.LevelVar) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged && level != nil {
		level.Set(d.NewLogLevel.Slog())
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.AudioDebugChanged {
		a.voice.SetDebug(d.NewAudioDebug)
		slog.Info("config: audio debug changed", "debug", d.NewAudioDebug)
	}
	if d.VADChanged {
		// Thresholds the user tuned win over config defaults.
		if a.prefs.Get().VAD != vadDefaults(old.VAD) {
			slog.Info("config: vad defaults changed, keeping user thresholds")
		} else if err := a.voice.UpdateSettings(vadDefaults(d.NewVAD)); err != nil {
			slog.Warn("config: apply vad", "err", err)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes need a restart", "sections", d.RestartRequired)
	}
}
