// Package mock provides a recording [notify.Notifier] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/avatarlink/internal/notify"
)

// Notifier records every notice.
type Notifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

var _ notify.Notifier = (*Notifier)(nil)

// Notify implements [notify.Notifier].
func (n *Notifier) Notify(_ context.Context, notice notify.Notice) {
	n.mu.Lock()
	n.notices = append(n.notices, notice)
	n.mu.Unlock()
}

// Notices returns a copy of the recorded notices.
func (n *Notifier) Notices() []notify.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notice(nil), n.notices...)
}

// Count returns how many notices of severity s were recorded.
func (n *Notifier) Count(s notify.Severity) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notices {
		if x.Severity == s {
			c++
		}
	}
	return c
}
