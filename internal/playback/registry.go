// Package playback plays the assistant's synthesized speech.
//
// Inbound audio chunks become tasks on a [TaskQueue] and run one at a time.
// Each task is executed by a [Player], which schedules PCM on the gapless
// [Scheduler] (or a whole WAV clip through a [ClipPlayer]) and drives the
// avatar's mouth while it plays. The [Registry] records what is currently
// audible so an interruption can silence it from anywhere.
package playback

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// Handle is something audible that can be silenced. Handles are compared by
// identity, so implementations must be pointer types.
type Handle interface {
	Stop()
}

type funcHandle struct{ stop func() }

func (h *funcHandle) Stop() { h.stop() }

// NewHandle returns a fresh Handle that calls stop.
func NewHandle(stop func()) Handle {
	return &funcHandle{stop: stop}
}

// Registry tracks the single audible handle and the model animated by it.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	handle  Handle
	model   avatar.Model
	lipSync avatar.LipSyncer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Bind records h as the audible handle animating model, replacing any
// previous record without stopping it.
func (r *Registry) Bind(h Handle, model avatar.Model) {
	ls, _ := model.(avatar.LipSyncer)
	r.mu.Lock()
	r.handle = h
	r.model = model
	r.lipSync = ls
	r.mu.Unlock()
}

// StopAndClear silences the bound handle, closes the model's mouth and
// forgets both. Calling it with nothing bound does nothing.
func (r *Registry) StopAndClear() {
	r.mu.Lock()
	h, model, ls := r.handle, r.model, r.lipSync
	r.handle, r.model, r.lipSync = nil, nil, nil
	r.mu.Unlock()

	if h == nil {
		return
	}
	h.Stop()
	switch {
	case ls != nil:
		ls.ResetLipSync()
	case model != nil:
		slog.Debug("playback: model has no lip-sync channel to reset")
	}
}

// Clear forgets the record only if it still holds h. Natural end and error
// paths use it so they never clear a newer handle.
func (r *Registry) Clear(h Handle) {
	r.mu.Lock()
	if r.handle == h {
		r.handle, r.model, r.lipSync = nil, nil, nil
	}
	r.mu.Unlock()
}

// HasActive reports whether a handle is bound.
func (r *Registry) HasActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle != nil
}

// Owns reports whether h is the bound handle.
func (r *Registry) Owns(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle == h
}
