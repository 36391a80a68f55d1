// Package conversation holds the shared conversation state of the client:
// what the assistant is doing right now and the text of the response being
// spoken, plus the interruption action that cuts a response short.
package conversation

import (
	"strings"
	"sync"
)

// State is the current phase of the conversation.
type State int

const (
	// Idle: nothing is happening.
	Idle State = iota

	// Listening: the user is speaking.
	Listening

	// ThinkingSpeaking: the backend is producing or the client is playing a
	// response.
	ThinkingSpeaking

	// Interrupted: the user cut the response short; late audio is dropped.
	Interrupted

	// Loading: a model or configuration switch is in progress.
	Loading
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case ThinkingSpeaking:
		return "thinking-speaking"
	case Interrupted:
		return "interrupted"
	case Loading:
		return "loading"
	default:
		return "unknown"
	}
}

// Store is the single owner of the conversation [State] and the response
// text heard so far. It is safe for concurrent use. Listeners run after the
// lock is released, in registration order, on the goroutine that changed the
// state.
type Store struct {
	mu        sync.Mutex
	state     State
	response  strings.Builder
	listeners []func(from, to State)
}

// NewStore returns a Store in [Idle].
func NewStore() *Store {
	return &Store{}
}

// Get returns the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Is reports whether the current state is st.
func (s *Store) Is(st State) bool {
	return s.Get() == st
}

// Set changes the state unconditionally.
func (s *Store) Set(to State) {
	s.Update(func(State) (State, bool) { return to, true })
}

// Update applies fn atomically. fn receives the current state and returns
// the new one plus whether to apply it. Update reports whether the state
// changed.
func (s *Store) Update(fn func(cur State) (State, bool)) bool {
	s.mu.Lock()
	from := s.state
	to, ok := fn(from)
	if !ok || to == from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	listeners := append([]func(from, to State){}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
	return true
}

// CompareAndSet moves from old to new only if the state is currently old.
func (s *Store) CompareAndSet(old, to State) bool {
	return s.Update(func(cur State) (State, bool) { return to, cur == old })
}

// OnChange registers fn to be called on every state change.
func (s *Store) OnChange(fn func(from, to State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// AppendResponse adds a sentence of the response being spoken.
func (s *Store) AppendResponse(text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.response.Len() > 0 {
		s.response.WriteByte(' ')
	}
	s.response.WriteString(text)
}

// Response returns the response text accumulated since the last clear.
func (s *Store) Response() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response.String()
}

// ClearResponse forgets the accumulated response text.
func (s *Store) ClearResponse() {
	s.mu.Lock()
	s.response.Reset()
	s.mu.Unlock()
}
