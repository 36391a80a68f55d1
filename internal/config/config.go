// Package config provides the configuration schema, loader, and provider registry
// for the avatarlink client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultBridgeAddr         = "127.0.0.1:12393"
	DefaultOutputSampleRate   = 48000
	DefaultOutputChannels     = 1
	DefaultVADFrameSamples    = 512
	DefaultMinSpeechFrames    = 9
	DefaultPreSpeechPadFrames = 20
	DefaultSnapshotTimeout    = 800 * time.Millisecond
	DefaultDrainDelay         = 150 * time.Millisecond
	DefaultJPEGQuality        = 80
	DefaultReconnectInitial   = 500 * time.Millisecond
	DefaultReconnectMax       = 15 * time.Second
)

// Config is the root configuration structure for avatarlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Mic       MicConfig       `yaml:"mic"`
	Media     MediaConfig     `yaml:"media"`

	// PreferencesPath is the YAML file user preferences are persisted to.
	// Empty keeps preferences in memory only.
	PreferencesPath string `yaml:"preferences_path"`
}

// ServerConfig holds the backend connection and the local listeners.
type ServerConfig struct {
	// WSURL is the backend websocket endpoint (e.g. "ws://localhost:12393/client-ws").
	WSURL string `yaml:"ws_url"`

	// BaseURL is the backend's HTTP base. When WSURL is empty the websocket
	// endpoint is derived from it; when both are set and share a host, the
	// websocket scheme follows BaseURL's (https means wss).
	BaseURL string `yaml:"base_url"`

	LogLevel LogLevel `yaml:"log_level"`

	// DebugAddr serves /metrics and the health endpoints. Empty disables it.
	DebugAddr string `yaml:"debug_addr"`

	// BridgeAddr is where the renderer connects. Default: 127.0.0.1:12393.
	BridgeAddr string `yaml:"bridge_addr"`

	// Reconnect bounds the exponential backoff between dial attempts.
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// ProvidersConfig selects the registered implementations for the pluggable
// stages. Each entry's Name is looked up in the [Registry].
type ProvidersConfig struct {
	// VAD lists engines in fallback order. The first is primary.
	VAD []ProviderEntry `yaml:"vad"`

	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g. "webrtc", "malgo").
	Name string `yaml:"name"`

	// Options holds provider-specific values. Values may be strings, numbers,
	// booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AudioConfig tunes the playback context.
type AudioConfig struct {
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// Debug logs every pipeline event at Info.
	Debug bool `yaml:"debug"`
}

// VADConfig holds the segmenter knobs and the threshold defaults seeded into
// fresh preferences. Thresholds are percentages.
type VADConfig struct {
	FrameSamples       int `yaml:"frame_samples"`
	Aggressiveness     int `yaml:"aggressiveness"`
	MinSpeechFrames    int `yaml:"min_speech_frames"`
	PreSpeechPadFrames int `yaml:"pre_speech_pad_frames"`

	PositiveSpeechThreshold int `yaml:"positive_speech_threshold"`
	NegativeSpeechThreshold int `yaml:"negative_speech_threshold"`
	RedemptionFrames        int `yaml:"redemption_frames"`
}

// MicConfig overrides the default microphone preferences used when no
// preference file exists yet. Unset fields keep the built-in defaults.
type MicConfig struct {
	MicOn                      *bool `yaml:"mic_on"`
	AutoStopMic                *bool `yaml:"auto_stop_mic"`
	AutoStartMicOn             *bool `yaml:"auto_start_mic_on"`
	AutoStartMicOnConvEnd      *bool `yaml:"auto_start_mic_on_conv_end"`
	VoiceInterruptEnabled      *bool `yaml:"voice_interrupt_enabled"`
	ContinuousStreamingEnabled *bool `yaml:"continuous_streaming_enabled"`
	AutoStartOnLoad            *bool `yaml:"auto_start_on_load"`
}

// MediaConfig configures the snapshots attached to each utterance.
type MediaConfig struct {
	Camera CameraConfig `yaml:"camera"`
	Screen ScreenConfig `yaml:"screen"`

	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	DrainDelay      time.Duration `yaml:"drain_delay"`
}

// CameraConfig selects the video capture device.
type CameraConfig struct {
	Enabled bool `yaml:"enabled"`
	Device  int  `yaml:"device"`
	Quality int  `yaml:"quality"`
}

// ScreenConfig selects the display to capture.
type ScreenConfig struct {
	Enabled bool `yaml:"enabled"`
	Display int  `yaml:"display"`
	Quality int  `yaml:"quality"`
}
