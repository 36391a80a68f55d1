// Package mock provides recording implementations of the avatar interfaces
// for unit tests. All types are safe for concurrent use.
package mock

import (
	"sync"

	"github.com/MrWong99/avatarlink/pkg/avatar"
)

// Model is a mock [avatar.Model] without lip-sync support.
type Model struct {
	mu sync.Mutex

	// Expressions records every SetExpression call.
	Expressions []string

	// Motions records every StartMotion call.
	Motions []string
}

var _ avatar.Model = (*Model)(nil)

// SetExpression implements [avatar.Model].
func (m *Model) SetExpression(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Expressions = append(m.Expressions, name)
}

// StartMotion implements [avatar.Model].
func (m *Model) StartMotion(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Motions = append(m.Motions, group)
}

// MotionCount returns the number of StartMotion calls.
func (m *Model) MotionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Motions)
}

// LipSyncModel is a mock [avatar.Model] that also implements [avatar.LipSyncer].
type LipSyncModel struct {
	Model

	lmu sync.Mutex

	// Levels records every FeedLipSync call.
	Levels []float64

	// ResetCount is the number of ResetLipSync calls.
	ResetCount int
}

var _ avatar.LipSyncer = (*LipSyncModel)(nil)

// FeedLipSync implements [avatar.LipSyncer].
func (m *LipSyncModel) FeedLipSync(level float64) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.Levels = append(m.Levels, level)
}

// ResetLipSync implements [avatar.LipSyncer].
func (m *LipSyncModel) ResetLipSync() {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.ResetCount++
}

// Resets returns ResetCount under the lock.
func (m *LipSyncModel) Resets() int {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	return m.ResetCount
}

// FedLevels returns a copy of Levels.
func (m *LipSyncModel) FedLevels() []float64 {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	out := make([]float64, len(m.Levels))
	copy(out, m.Levels)
	return out
}

// Message is one recorded AppendMessage call.
type Message struct {
	Role avatar.Role
	Text string
}

// Display is a mock [avatar.Display].
type Display struct {
	mu sync.Mutex

	// Subtitles records every SetSubtitle call.
	Subtitles []string

	// Messages records every AppendMessage call.
	Messages []Message
}

var _ avatar.Display = (*Display)(nil)

// SetSubtitle implements [avatar.Display].
func (d *Display) SetSubtitle(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Subtitles = append(d.Subtitles, text)
}

// AppendMessage implements [avatar.Display].
func (d *Display) AppendMessage(role avatar.Role, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Messages = append(d.Messages, Message{Role: role, Text: text})
}

// LastSubtitle returns the most recent subtitle, or "".
func (d *Display) LastSubtitle() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Subtitles) == 0 {
		return ""
	}
	return d.Subtitles[len(d.Subtitles)-1]
}

// MessageCount returns the number of recorded messages.
func (d *Display) MessageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Messages)
}
