package conversation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/avatarlink/internal/protocol"
)

// Silencer stops whatever is currently audible.
type Silencer interface {
	StopAndClear()
}

// QueueClearer drops pending playback work.
type QueueClearer interface {
	Clear()
}

// Sender delivers a message to the backend.
type Sender interface {
	Send(v any) error
}

// Interrupter cuts the current response short.
type Interrupter struct {
	store  *Store
	audio  Silencer
	queue  QueueClearer
	sender Sender

	// OnInterrupt, if set, is called after every effective interruption.
	OnInterrupt func(origin string)
}

// NewInterrupter wires an Interrupter.
func NewInterrupter(store *Store, audio Silencer, queue QueueClearer, sender Sender) *Interrupter {
	return &Interrupter{store: store, audio: audio, queue: queue, sender: sender}
}

// Interrupt acts only while the state is [ThinkingSpeaking]: it moves to
// [Interrupted], optionally tells the backend how much of the response was
// heard, silences playback, drops queued playback and forgets the response
// text. It reports whether anything was interrupted.
func (i *Interrupter) Interrupt(ctx context.Context, sendSignal bool, origin string) bool {
	if !i.store.CompareAndSet(ThinkingSpeaking, Interrupted) {
		return false
	}
	if sendSignal {
		heard := i.store.Response()
		err := i.sender.Send(protocol.InterruptSignal{Type: protocol.TypeInterruptSignal, Text: heard})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.WarnContext(ctx, "conversation: interrupt signal not sent", "err", err)
		}
	}
	i.audio.StopAndClear()
	i.queue.Clear()
	i.store.ClearResponse()
	slog.DebugContext(ctx, "conversation: interrupted", "origin", origin, "signal", sendSignal)
	if i.OnInterrupt != nil {
		i.OnInterrupt(origin)
	}
	return true
}
