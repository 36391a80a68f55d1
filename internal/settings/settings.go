// Package settings persists the user's microphone and voice-detection
// preferences between runs.
//
// Preferences live in a small YAML file. Reads go through an in-memory cache
// so hot paths (the capture callback's admission check, the VAD event
// handlers) never touch the disk; writes update the cache first, then the
// file, then notify listeners.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

// VADVersion is the current preferences schema version for VAD thresholds.
const VADVersion = 2

// VAD holds the user-tunable voice-detection knobs. Thresholds are
// percentages in [0, 100].
type VAD struct {
	PositiveSpeechThreshold int `yaml:"positive_speech_threshold"`
	NegativeSpeechThreshold int `yaml:"negative_speech_threshold"`
	RedemptionFrames        int `yaml:"redemption_frames"`
}

var (
	// LegacyVAD is the conservative default shipped before version 2.
	LegacyVAD = VAD{PositiveSpeechThreshold: 50, NegativeSpeechThreshold: 35, RedemptionFrames: 35}

	// DefaultVAD is the current default.
	DefaultVAD = VAD{PositiveSpeechThreshold: 42, NegativeSpeechThreshold: 28, RedemptionFrames: 16}
)

// Validate reports out-of-range values.
func (v VAD) Validate() error {
	var errs []error
	if v.PositiveSpeechThreshold < 0 || v.PositiveSpeechThreshold > 100 {
		errs = append(errs, fmt.Errorf("positive_speech_threshold %d out of range [0, 100]", v.PositiveSpeechThreshold))
	}
	if v.NegativeSpeechThreshold < 0 || v.NegativeSpeechThreshold > 100 {
		errs = append(errs, fmt.Errorf("negative_speech_threshold %d out of range [0, 100]", v.NegativeSpeechThreshold))
	}
	if v.RedemptionFrames < 1 {
		errs = append(errs, fmt.Errorf("redemption_frames must be >= 1, got %d", v.RedemptionFrames))
	}
	return errors.Join(errs...)
}

// Apply returns base with the thresholds and redemption count of v.
func (v VAD) Apply(base vad.SegmenterConfig) vad.SegmenterConfig {
	base.PositiveThreshold = float64(v.PositiveSpeechThreshold) / 100
	base.NegativeThreshold = float64(v.NegativeSpeechThreshold) / 100
	base.RedemptionFrames = v.RedemptionFrames
	return base
}

// Prefs is the full preference set.
type Prefs struct {
	MicOn                      bool `yaml:"mic_on"`
	AutoStopMic                bool `yaml:"auto_stop_mic"`
	AutoStartMicOn             bool `yaml:"auto_start_mic_on"`
	AutoStartMicOnConvEnd      bool `yaml:"auto_start_mic_on_conv_end"`
	VoiceInterruptEnabled      bool `yaml:"voice_interrupt_enabled"`
	ContinuousStreamingEnabled bool `yaml:"continuous_streaming_enabled"`
	AutoStartOnLoad            bool `yaml:"auto_start_on_load"`

	VAD        VAD `yaml:"vad"`
	VADVersion int `yaml:"vad_settings_version"`
}

// Defaults returns the preferences used when no file exists yet.
func Defaults() Prefs {
	return Prefs{
		MicOn:                      true,
		ContinuousStreamingEnabled: true,
		AutoStartOnLoad:            true,
		VAD:                        DefaultVAD,
		VADVersion:                 VADVersion,
	}
}

// migrate moves users still on the legacy VAD defaults to vadDefault and
// stamps the current version. It reports whether p changed.
func migrate(p *Prefs, vadDefault VAD) bool {
	if p.VADVersion >= VADVersion {
		return false
	}
	if p.VAD == LegacyVAD {
		p.VAD = vadDefault
	}
	p.VADVersion = VADVersion
	return true
}

// Store caches and persists [Prefs]. It is safe for concurrent use.
type Store struct {
	path string

	cur atomic.Pointer[Prefs]

	mu        sync.Mutex
	listeners []func(old, cur Prefs)
}

// Open loads preferences from path, falling back to defaults for anything
// the file does not set. A missing file is not an error. An empty path gives
// an in-memory store.
func Open(path string, defaults Prefs) (*Store, error) {
	s := &Store{path: path}
	p := defaults
	// Files written before versioning carry no version; treat them as v0.
	p.VADVersion = 0

	found := false
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("settings: read %q: %w", path, err)
		default:
			found = true
			if err := yaml.Unmarshal(data, &p); err != nil {
				return nil, fmt.Errorf("settings: decode %q: %w", path, err)
			}
		}
	}
	if !found {
		p.VADVersion = VADVersion
	}
	if err := p.VAD.Validate(); err != nil {
		slog.Warn("settings: stored vad settings invalid, using defaults", "err", err)
		p.VAD = defaults.VAD
	}

	migrated := migrate(&p, defaults.VAD)
	s.cur.Store(&p)
	if migrated {
		slog.Info("settings: migrated vad settings", "version", VADVersion, "vad", p.VAD)
		if err := s.save(p); err != nil {
			slog.Warn("settings: persist migration", "err", err)
		}
	}
	return s, nil
}

// Get returns the cached preferences.
func (s *Store) Get() Prefs {
	return *s.cur.Load()
}

// OnChange registers fn to be called after every successful update.
func (s *Store) OnChange(fn func(old, cur Prefs)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update applies fn to a copy of the preferences, caches and persists the
// result and notifies listeners. The cache is updated even when persisting
// fails; the error is returned.
func (s *Store) Update(fn func(*Prefs)) error {
	s.mu.Lock()
	old := *s.cur.Load()
	next := old
	fn(&next)
	if next == old {
		s.mu.Unlock()
		return nil
	}
	if err := next.VAD.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("settings: %w", err)
	}
	s.cur.Store(&next)
	err := s.save(next)
	listeners := append([]func(old, cur Prefs){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(old, next)
	}
	return err
}

// SetMicOn records whether the microphone should be on.
func (s *Store) SetMicOn(v bool) error { return s.Update(func(p *Prefs) { p.MicOn = v }) }

// SetAutoStopMic records whether the mic stops after each utterance.
func (s *Store) SetAutoStopMic(v bool) error {
	return s.Update(func(p *Prefs) { p.AutoStopMic = v })
}

// SetAutoStartMicOn records whether the mic restarts when the assistant
// starts speaking.
func (s *Store) SetAutoStartMicOn(v bool) error {
	return s.Update(func(p *Prefs) { p.AutoStartMicOn = v })
}

// SetAutoStartMicOnConvEnd records whether the mic restarts after a
// conversation chain ends.
func (s *Store) SetAutoStartMicOnConvEnd(v bool) error {
	return s.Update(func(p *Prefs) { p.AutoStartMicOnConvEnd = v })
}

// SetVoiceInterruptEnabled records whether speaking over the assistant
// interrupts it.
func (s *Store) SetVoiceInterruptEnabled(v bool) error {
	return s.Update(func(p *Prefs) { p.VoiceInterruptEnabled = v })
}

// SetContinuousStreaming records whether raw mic audio is streamed
// continuously instead of per utterance.
func (s *Store) SetContinuousStreaming(v bool) error {
	return s.Update(func(p *Prefs) { p.ContinuousStreamingEnabled = v })
}

// SetAutoStartOnLoad records whether the mic starts with the app.
func (s *Store) SetAutoStartOnLoad(v bool) error {
	return s.Update(func(p *Prefs) { p.AutoStartOnLoad = v })
}

// SetVAD replaces the VAD settings.
func (s *Store) SetVAD(v VAD) error {
	return s.Update(func(p *Prefs) { p.VAD = v })
}

func (s *Store) save(p Prefs) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("settings: replace %q: %w", s.path, err)
	}
	return nil
}
