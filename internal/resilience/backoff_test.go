package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Doubles(t *testing.T) {
	t.Parallel()
	b := &Backoff{Initial: 100 * time.Millisecond, Max: 350 * time.Millisecond}
	want := []time.Duration{100, 200, 350, 350}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Errorf("Next() #%d = %v, want %v", i, got, w*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", got)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()
	var b Backoff
	if got := b.Next(); got != time.Second {
		t.Errorf("first delay = %v, want 1s", got)
	}
}

func TestBackoff_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	b := &Backoff{Initial: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want context.Canceled", err)
	}
}
