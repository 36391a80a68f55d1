// Package notify delivers short user-facing notices (toasts) about pipeline
// problems: microphone permission, unsupported devices, playback failures.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity grades a notice.
type Severity int

const (
	SeverityInfo Severity = iota
	SeveritySuccess
	SeverityWarning
	SeverityError
)

// String returns the renderer name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuccess:
		return "success"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Display durations used across the pipeline.
const (
	DurationShort   = 2 * time.Second
	DurationDefault = 2500 * time.Millisecond
	DurationLong    = 3 * time.Second
)

// Notice is one transient message.
type Notice struct {
	Title    string
	Severity Severity
	Duration time.Duration
}

// Notifier shows notices to the user. Implementations must be safe for
// concurrent use and must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// Log writes notices to the default slog logger.
type Log struct{}

// Notify implements [Notifier].
func (Log) Notify(ctx context.Context, n Notice) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	slog.Log(ctx, level, "notice", "title", n.Title, "severity", n.Severity.String())
}

// Toaster is a surface that can render a toast, such as the renderer bridge.
type Toaster interface {
	Toast(title, severity string, d time.Duration)
}

// Toasts adapts a [Toaster] to [Notifier].
type Toasts struct {
	T Toaster
}

// Notify implements [Notifier].
func (t Toasts) Notify(_ context.Context, n Notice) {
	d := n.Duration
	if d <= 0 {
		d = DurationDefault
	}
	t.T.Toast(n.Title, n.Severity.String(), d)
}

// Multi fans a notice out to every notifier in order.
type Multi []Notifier

// Notify implements [Notifier].
func (m Multi) Notify(ctx context.Context, n Notice) {
	for _, x := range m {
		x.Notify(ctx, n)
	}
}

// Warn is shorthand for a warning notice with the default duration.
func Warn(ctx context.Context, to Notifier, title string) {
	to.Notify(ctx, Notice{Title: title, Severity: SeverityWarning, Duration: DurationDefault})
}

// Error is shorthand for an error notice with the long duration.
func Error(ctx context.Context, to Notifier, title string) {
	to.Notify(ctx, Notice{Title: title, Severity: SeverityError, Duration: DurationLong})
}
