// Package resilience provides the failure-handling primitives the pipeline
// shares: a three-state circuit breaker guarding the backend connection, a
// fallback group that picks the first healthy backend (VAD engines, capture
// devices), and exponential backoff for reconnect loops.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close, and the
	// probe budget while half-open. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the lock
	// released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(name string, from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int
	pending         []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields take the
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	defer cb.notify()

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
	}
	probing := cb.state == StateHalfOpen
	if probing {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case err != nil && probing:
		cb.consecutiveFail = cb.maxFailures
		if cb.state == StateHalfOpen {
			cb.openLocked()
		}
	case err != nil:
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
			cb.openLocked()
		}
	case probing:
		cb.probeSuccesses++
		if cb.state == StateHalfOpen && cb.probeSuccesses >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			cb.transitionLocked(StateClosed)
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
	default:
		cb.consecutiveFail = 0
	}
	return err
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	defer cb.notify()
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFail = 0
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

func (cb *CircuitBreaker) openLocked() {
	cb.openedAt = cb.now()
	slog.Warn("circuit breaker opened",
		"name", cb.name,
		"consecutive_failures", cb.consecutiveFail,
		"from", cb.state)
	cb.transitionLocked(StateOpen)
}

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) {
	cb.pending = append(cb.pending, transition{from: cb.state, to: to})
	cb.state = to
	cb.probes = 0
	cb.probeSuccesses = 0
}

// notify delivers queued transitions to OnStateChange outside the lock.
func (cb *CircuitBreaker) notify() {
	cb.mu.Lock()
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()
	if cb.onStateChange == nil {
		return
	}
	for _, t := range pending {
		cb.onStateChange(cb.name, t.from, t.to)
	}
}
