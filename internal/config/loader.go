package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad":   {"webrtc", "energy"},
	"audio": {"malgo"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.BridgeAddr == "" {
		cfg.Server.BridgeAddr = DefaultBridgeAddr
	}
	if cfg.Server.ReconnectInitial == 0 {
		cfg.Server.ReconnectInitial = DefaultReconnectInitial
	}
	if cfg.Server.ReconnectMax == 0 {
		cfg.Server.ReconnectMax = DefaultReconnectMax
	}
	if len(cfg.Providers.VAD) == 0 {
		cfg.Providers.VAD = []ProviderEntry{{Name: "webrtc"}, {Name: "energy"}}
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "malgo"
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.OutputChannels == 0 {
		cfg.Audio.OutputChannels = DefaultOutputChannels
	}

	v := &cfg.VAD
	if v.FrameSamples == 0 {
		v.FrameSamples = DefaultVADFrameSamples
	}
	if v.MinSpeechFrames == 0 {
		v.MinSpeechFrames = DefaultMinSpeechFrames
	}
	if v.PreSpeechPadFrames == 0 {
		v.PreSpeechPadFrames = DefaultPreSpeechPadFrames
	}
	if v.PositiveSpeechThreshold == 0 {
		v.PositiveSpeechThreshold = 42
	}
	if v.NegativeSpeechThreshold == 0 {
		v.NegativeSpeechThreshold = 28
	}
	if v.RedemptionFrames == 0 {
		v.RedemptionFrames = 16
	}

	m := &cfg.Media
	if m.SnapshotTimeout == 0 {
		m.SnapshotTimeout = DefaultSnapshotTimeout
	}
	if m.DrainDelay == 0 {
		m.DrainDelay = DefaultDrainDelay
	}
	if m.Camera.Quality == 0 {
		m.Camera.Quality = DefaultJPEGQuality
	}
	if m.Screen.Quality == 0 {
		m.Screen.Quality = DefaultJPEGQuality
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WSURL == "" && cfg.Server.BaseURL == "" {
		errs = append(errs, errors.New("server: one of ws_url or base_url is required"))
	} else if _, err := cfg.Server.WebSocketURL(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Server.ReconnectMax < cfg.Server.ReconnectInitial {
		errs = append(errs, fmt.Errorf("server.reconnect_max %s is shorter than reconnect_initial %s", cfg.Server.ReconnectMax, cfg.Server.ReconnectInitial))
	}

	// Providers
	seen := make(map[string]int, len(cfg.Providers.VAD))
	for i, e := range cfg.Providers.VAD {
		prefix := fmt.Sprintf("providers.vad[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.vad[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		validateProviderName("vad", e.Name)
	}
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Audio
	if r := cfg.Audio.OutputSampleRate; r < 8000 || r > 192000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 192000]", r))
	}
	if c := cfg.Audio.OutputChannels; c < 1 || c > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must be 1 or 2", c))
	}

	// VAD
	v := cfg.VAD
	if v.FrameSamples <= 0 {
		errs = append(errs, fmt.Errorf("vad.frame_samples must be positive, got %d", v.FrameSamples))
	}
	if v.Aggressiveness < 0 || v.Aggressiveness > 3 {
		errs = append(errs, fmt.Errorf("vad.aggressiveness %d is out of range [0, 3]", v.Aggressiveness))
	}
	if v.MinSpeechFrames < 0 || v.PreSpeechPadFrames < 0 {
		errs = append(errs, errors.New("vad: frame counts must not be negative"))
	}
	if v.PositiveSpeechThreshold < 1 || v.PositiveSpeechThreshold > 100 {
		errs = append(errs, fmt.Errorf("vad.positive_speech_threshold %d is out of range [1, 100]", v.PositiveSpeechThreshold))
	}
	if v.NegativeSpeechThreshold < 0 || v.NegativeSpeechThreshold >= v.PositiveSpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.negative_speech_threshold %d must be in [0, positive_speech_threshold)", v.NegativeSpeechThreshold))
	}
	if v.RedemptionFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.redemption_frames must be >= 1, got %d", v.RedemptionFrames))
	}

	// Media
	for _, q := range []struct {
		name string
		v    int
	}{{"media.camera.quality", cfg.Media.Camera.Quality}, {"media.screen.quality", cfg.Media.Screen.Quality}} {
		if q.v < 1 || q.v > 100 {
			errs = append(errs, fmt.Errorf("%s %d is out of range [1, 100]", q.name, q.v))
		}
	}
	if cfg.Media.SnapshotTimeout < 0 || cfg.Media.DrainDelay < 0 {
		errs = append(errs, errors.New("media: durations must not be negative"))
	}
	if !cfg.Media.Camera.Enabled && !cfg.Media.Screen.Enabled {
		slog.Warn("no media source enabled; utterances will be sent without snapshots")
	}

	if cfg.PreferencesPath == "" {
		slog.Warn("preferences_path is empty; preferences will not survive a restart")
	}

	return errors.Join(errs...)
}

// WebSocketURL resolves the backend endpoint. Without WSURL it is derived
// from BaseURL as ws(s)://host/client-ws. When WSURL points at BaseURL's host
// its scheme is aligned with BaseURL's so a TLS backend is never dialed in
// plain text.
func (s ServerConfig) WebSocketURL() (string, error) {
	var base *url.URL
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("server.base_url %q must be an absolute http(s) URL", s.BaseURL)
		}
		base = u
	}

	if s.WSURL == "" {
		if base == nil {
			return "", errors.New("server: one of ws_url or base_url is required")
		}
		ws := &url.URL{Scheme: "ws", Host: base.Host, Path: "/client-ws"}
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		}
		return ws.String(), nil
	}

	ws, err := url.Parse(s.WSURL)
	if err != nil || (ws.Scheme != "ws" && ws.Scheme != "wss") || ws.Host == "" {
		return "", fmt.Errorf("server.ws_url %q must be an absolute ws(s) URL", s.WSURL)
	}
	if base != nil && strings.EqualFold(base.Host, ws.Host) {
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		} else {
			ws.Scheme = "ws"
		}
	}
	return ws.String(), nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
