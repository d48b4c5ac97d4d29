// Package resilience guards automatic device recovery.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// wraps stream runs. A run that ends on a device error is a failure; a run
// that ends normally, or lasted long enough to count as stable, is a success.
// After MaxFailures failures in a row the breaker opens and recovery backs off
// for a cool-down before one probe run is allowed.
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
// open and the cool-down has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; every run is allowed.
	StateClosed State = iota

	// StateOpen means the device failed too often. Runs are rejected with
	// [ErrCircuitOpen] until the cool-down elapses.
	StateOpen

	// StateHalfOpen allows one probe run after the cool-down. Success closes
	// the breaker, failure opens it again.
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
	// Name is a label used in log messages, typically the device name.
	Name string

	// MaxFailures is the number of failed runs in a row before the breaker
	// opens. Default: 5.
	MaxFailures int

	// CoolDown is how long the breaker stays open. Default: 30s.
	CoolDown time.Duration

	// StableAfter is the run time after which a failing run starts a new
	// failure streak instead of extending the current one. Zero disables it.
	StableAfter time.Duration

	// Logger receives state transitions. Default: [slog.Default].
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern over
// stream runs.
type CircuitBreaker struct {
	name        string
	maxFailures int
	coolDown    time.Duration
	stableAfter time.Duration
	log         *slog.Logger
	now         func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		coolDown:    cfg.CoolDown,
		stableAfter: cfg.StableAfter,
		log:         cfg.Logger,
		now:         time.Now,
		state:       StateClosed,
	}
}

// Execute runs fn if the breaker allows it and records the outcome. In the
// open state it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.coolDown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.log.Info("circuit breaker half-open, probing device", "name", cb.name)
	}
	cb.mu.Unlock()

	start := cb.now()
	err := fn()
	ran := cb.now().Sub(start)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || (cb.stableAfter > 0 && ran >= cb.stableAfter) {
		cb.recordSuccess()
	}
	if err != nil {
		cb.recordFailure()
	}
	return err
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.log.Warn("circuit breaker re-opened, probe run failed", "name", cb.name)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.log.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail,
			"cool_down", cb.coolDown)
	}
}

// recordSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == StateHalfOpen {
		cb.log.Info("circuit breaker closed", "name", cb.name)
	}
	cb.state = StateClosed
	cb.consecutiveFail = 0
}

// State returns the current [State]. An open breaker whose cool-down elapsed
// reports [StateHalfOpen]; the transition happens on the next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.coolDown {
		return StateHalfOpen
	}
	return cb.state
}

// RetryIn returns how long an open breaker still rejects runs, 0 otherwise.
func (cb *CircuitBreaker) RetryIn() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	return max(cb.coolDown-cb.now().Sub(cb.openedAt), 0)
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.log.Info("circuit breaker manually reset", "name", cb.name)
}
