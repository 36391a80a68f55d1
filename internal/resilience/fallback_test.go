package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_PrimaryWins(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("webrtc", "webrtc", FallbackConfig{})
	fg.AddFallback("energy", "energy")

	got, err := ExecuteWithResult(fg, func(name string) (string, error) { return name, nil })
	if err != nil || got != "webrtc" {
		t.Errorf("got %q, %v; want webrtc", got, err)
	}
	if names := fg.Names(); len(names) != 2 || names[1] != "energy" {
		t.Errorf("Names() = %v", names)
	}
}

func TestFallbackGroup_FallsBack(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("webrtc", "webrtc", FallbackConfig{})
	fg.AddFallback("energy", "energy")

	got, err := ExecuteWithResult(fg, func(name string) (string, error) {
		if name == "webrtc" {
			return "", errTest
		}
		return name, nil
	})
	if err != nil || got != "energy" {
		t.Errorf("got %q, %v; want energy", got, err)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "a", FallbackConfig{})
	fg.AddFallback("b", 2)

	err := fg.Execute(func(int) error { return errTest })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup("a", "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", "b")

	calls := map[string]int{}
	fn := func(name string) error {
		calls[name]++
		if name == "a" {
			return errTest
		}
		return nil
	}
	_ = fg.Execute(fn)
	_ = fg.Execute(fn)

	if calls["a"] != 1 {
		t.Errorf("primary called %d times, want 1 (breaker should open)", calls["a"])
	}
	if calls["b"] != 2 {
		t.Errorf("fallback called %d times, want 2", calls["b"])
	}
}

func TestExecuteNamed_ReportsServingEntry(t *testing.T) {
	t.Parallel()
	fg := NewFallbackGroup(1, "a", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("b", 2)

	got, name, err := ExecuteNamed(fg, func(v int) (int, error) { return v * 10, nil })
	if err != nil || got != 10 || name != "a" {
		t.Fatalf("got %d, %q, %v; want 10, a", got, name, err)
	}

	// Failures recorded directly on an entry's breaker make the group skip it.
	cb := fg.Breaker("a")
	for range 2 {
		_ = cb.Execute(func() error { return errTest })
	}
	if cb.State() != StateOpen {
		t.Fatalf("breaker state = %v, want open", cb.State())
	}
	got, name, err = ExecuteNamed(fg, func(v int) (int, error) { return v * 10, nil })
	if err != nil || got != 20 || name != "b" {
		t.Errorf("got %d, %q, %v; want 20, b", got, name, err)
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker(missing) should be nil")
	}
}
