package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/avatarlink/internal/resilience"
	"github.com/MrWong99/avatarlink/pkg/audio"
	"github.com/MrWong99/avatarlink/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	vad   map[string]func(ProviderEntry) (vad.Engine, error)
	audio map[string]func(ProviderEntry) (audio.Backend, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:   make(map[string]func(ProviderEntry) (vad.Engine, error)),
		audio: make(map[string]func(ProviderEntry) (audio.Backend, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates an audio backend using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVADGroup builds every listed engine into a fallback group, first
// entry primary. Engines that fail to build are skipped with their error
// collected; the group fails only when none could be built.
func (r *Registry) CreateVADGroup(entries []ProviderEntry, cfg resilience.FallbackConfig) (*resilience.FallbackGroup[vad.Engine], error) {
	var (
		group *resilience.FallbackGroup[vad.Engine]
		errs  []error
	)
	for _, e := range entries {
		eng, err := r.CreateVAD(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if group == nil {
			group = resilience.NewFallbackGroup(eng, e.Name, cfg)
		} else {
			group.AddFallback(e.Name, eng)
		}
	}
	if group == nil {
		return nil, fmt.Errorf("config: no usable vad engine: %w", errors.Join(errs...))
	}
	return group, nil
}
