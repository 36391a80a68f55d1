package resilience

import (
	"context"
	"time"
)

// Backoff produces exponentially growing delays for retry loops.
// It is not safe for concurrent use.
type Backoff struct {
	// Initial is the first delay. Default: 1s.
	Initial time.Duration

	// Max caps the delay. Default: 30s.
	Max time.Duration

	next time.Duration
}

// Next returns the delay to wait before the next attempt and doubles the
// following one up to Max.
func (b *Backoff) Next() time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.next <= 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next = min(b.next*2, b.Max)
	return d
}

// Reset restarts the sequence at Initial.
func (b *Backoff) Reset() { b.next = 0 }

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
