package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true when any threshold default or segmenter knob moved.
	VADChanged bool
	NewVAD     VADConfig

	AudioDebugChanged bool
	NewAudioDebug     bool

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if old.Audio.Debug != new.Audio.Debug {
		d.AudioDebugChanged = true
		d.NewAudioDebug = new.Audio.Debug
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if oldServer != newServer {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	oldAudio, newAudio := old.Audio, new.Audio
	oldAudio.Debug, newAudio.Debug = false, false
	if oldAudio != newAudio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Media != new.Media {
		d.RestartRequired = append(d.RestartRequired, "media")
	}
	if old.PreferencesPath != new.PreferencesPath {
		d.RestartRequired = append(d.RestartRequired, "preferences_path")
	}
	return d
}

// sameProviders compares provider names only; option maps are opaque.
func sameProviders(a, b ProvidersConfig) bool {
	if a.Audio.Name != b.Audio.Name || len(a.VAD) != len(b.VAD) {
		return false
	}
	for i := range a.VAD {
		if a.VAD[i].Name != b.VAD[i].Name {
			return false
		}
	}
	return true
}
