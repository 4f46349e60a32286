// Package resilience provides the circuit breaker that guards the tone
// lookup backend.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). While open, calls fail fast with [ErrCircuitOpen] instead of
// waiting for a backend that is known to be down. State changes can be
// observed through [CircuitBreakerConfig.OnStateChange].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. If they
	// succeed the breaker closes, otherwise it re-opens.
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
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every state change. It runs
	// outside the breaker's lock and may call back into the breaker.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
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
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.Now,
		state:         StateClosed,
	}
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probes are in flight at once.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	var changes []transition

	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changes = append(changes, cb.setState(StateHalfOpen))
	}
	probe := cb.state == StateHalfOpen
	if probe {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(changes)
			return ErrCircuitOpen
		}
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changes)

	err := fn()

	cb.mu.Lock()
	var change *transition
	if err != nil {
		change = cb.recordFailure(probe)
	} else {
		change = cb.recordSuccess(probe)
	}
	cb.mu.Unlock()
	if change != nil {
		cb.notify([]transition{*change})
	}
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(probe bool) *transition {
	if probe {
		t := cb.setState(StateOpen)
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return &t
	}
	if cb.state != StateClosed {
		return nil
	}
	cb.consecutiveFail++
	if cb.consecutiveFail < cb.maxFailures {
		return nil
	}
	t := cb.setState(StateOpen)
	slog.Warn("circuit breaker opened",
		"name", cb.name,
		"consecutive_failures", cb.consecutiveFail)
	return &t
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(probe bool) *transition {
	if !probe {
		if cb.state == StateClosed {
			cb.consecutiveFail = 0
		}
		return nil
	}
	if cb.state != StateHalfOpen {
		return nil
	}
	cb.probes--
	cb.probeSuccesses++
	if cb.probeSuccesses < cb.halfOpenMax {
		return nil
	}
	t := cb.setState(StateClosed)
	slog.Info("circuit breaker closed after successful probes", "name", cb.name)
	return &t
}

// setState moves the breaker into to and resets the per-state counters.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) transition {
	t := transition{from: cb.state, to: to}
	cb.state = to
	cb.probes = 0
	cb.probeSuccesses = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutiveFail = 0
	}
	return t
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.onStateChange == nil {
		return
	}
	for _, t := range changes {
		if t.from != t.to {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// State returns the current [State] of the breaker. An open breaker whose
// reset timeout has elapsed reports [StateHalfOpen]; the actual transition
// happens on the next [Execute] call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.setState(StateClosed)
	cb.mu.Unlock()
	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify([]transition{t})
}
