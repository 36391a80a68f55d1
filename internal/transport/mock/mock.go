// Package mock provides an in-memory message sink standing in for the
// backend connection in unit tests.
package mock

import (
	"sync"

	"github.com/MrWong99/avatarlink/internal/transport"
)

// Sender records sent messages. While closed it returns
// [transport.ErrNotOpen] like the real client. The zero value is closed.
type Sender struct {
	mu   sync.Mutex
	open bool
	sent []any

	// SendErr, when non-nil, is returned by Send while open.
	SendErr error

	// FailWhen, when set, is consulted for each message while open; a
	// non-nil result is returned from Send and the message is not recorded.
	FailWhen func(v any) error
}

// NewOpen returns a Sender that accepts messages.
func NewOpen() *Sender {
	return &Sender{open: true}
}

// SetOpen toggles whether Send accepts messages.
func (s *Sender) SetOpen(open bool) {
	s.mu.Lock()
	s.open = open
	s.mu.Unlock()
}

// IsOpen reports the simulated connection state.
func (s *Sender) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Send records v.
func (s *Sender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return transport.ErrNotOpen
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.FailWhen != nil {
		if err := s.FailWhen(v); err != nil {
			return err
		}
	}
	s.sent = append(s.sent, v)
	return nil
}

// Sent returns a copy of every accepted message, in order.
func (s *Sender) Sent() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

// Count returns how many accepted messages have type T.
func Count[T any](s *Sender) int {
	n := 0
	for _, v := range s.Sent() {
		if _, ok := v.(T); ok {
			n++
		}
	}
	return n
}
