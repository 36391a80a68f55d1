// Package gesture distributes user gestures (pointer or key presses in the
// renderer) to one-shot waiters. Some device operations, such as starting
// audio output or reopening a denied microphone, are only allowed right after
// a gesture.
package gesture

import (
	"slices"
	"sync"
)

// Hub fans gestures out to registered one-shot callbacks. The zero value is
// ready to use.
type Hub struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]func()
}

// Once registers fn to run on the next gesture. fn runs at most once and is
// detached before it is called. The returned function detaches fn early; it
// is safe to call after fn has run.
func (h *Hub) Once(fn func()) (detach func()) {
	h.mu.Lock()
	if h.waiters == nil {
		h.waiters = make(map[uint64]func())
	}
	id := h.nextID
	h.nextID++
	h.waiters[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.waiters, id)
		h.mu.Unlock()
	}
}

// Fire runs and detaches every waiting callback, oldest first.
func (h *Hub) Fire() {
	h.mu.Lock()
	if len(h.waiters) == 0 {
		h.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(h.waiters))
	for id := range h.waiters {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, h.waiters[id])
		delete(h.waiters, id)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Pending returns the number of waiting callbacks.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters)
}
