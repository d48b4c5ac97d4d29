package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/internal/resilience"
	"github.com/MrWong99/pcmstream/pkg/device"
	"github.com/MrWong99/pcmstream/pkg/pcm"
)

// Default recovery parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
	defaultStableRun  = time.Minute
)

// Recoverer watches a running [Controller] and restarts its stream when it
// stops on a device error, for example after a USB interface was unplugged
// and plugged back in.
//
// Recovery reopens the device client with the original setup parameters and
// restarts the stream. A render stream resumes at the segment that was
// playing; a capture stream starts recording from the beginning of its
// buffer again.
//
// A device that keeps failing right after recovery trips a
// [resilience.CircuitBreaker]; recovery then waits for the cool-down before
// the next attempt.
type Recoverer struct {
	ctrl       *Controller
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onRecover  func(attempt int)
	breaker    *resilience.CircuitBreaker
}

// RecovererConfig configures a [Recoverer].
type RecovererConfig struct {
	// MaxRetries is the maximum number of reopen attempts per failure.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 10s if
	// zero.
	MaxBackoff time.Duration

	// MaxFlaps is the number of device failures in a row, each within
	// StableAfter of the previous recovery, after which recovery pauses for
	// CoolDown. Defaults to 5 if zero.
	MaxFlaps int

	// CoolDown is the pause after MaxFlaps. Defaults to 30s if zero.
	CoolDown time.Duration

	// StableAfter is the run time after which a stream counts as recovered
	// for good. Defaults to 1m if zero.
	StableAfter time.Duration

	// OnRecover is called after the stream was restarted. May be nil.
	OnRecover func(attempt int)
}

// NewRecoverer creates a [Recoverer] for ctrl.
func NewRecoverer(ctrl *Controller, cfg RecovererConfig) *Recoverer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	stable := cfg.StableAfter
	if stable <= 0 {
		stable = defaultStableRun
	}
	return &Recoverer{
		ctrl:       ctrl,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		onRecover:  cfg.OnRecover,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        ctrl.dev.Name(),
			MaxFailures: cfg.MaxFlaps,
			CoolDown:    cfg.CoolDown,
			StableAfter: stable,
			Logger:      ctrl.log,
		}),
	}
}

// BreakerState reports whether recovery is paused after repeated failures.
func (r *Recoverer) BreakerState() resilience.State { return r.breaker.State() }

// Run blocks until the controller's stream ends for a reason other than a
// device error, recovery gives up, or ctx is done. startID is the segment a
// render stream restarts from when it failed during padding.
//
// The returned error is nil for drained, full and requested stops.
func (r *Recoverer) Run(ctx context.Context, startID int) error {
	for {
		var result error
		err := r.breaker.Execute(func() error {
			result = r.ctrl.Wait(ctx)
			if ctx.Err() == nil && r.ctrl.StopReason() == engine.StopDeviceError {
				return r.ctrl.Err()
			}
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			return result
		}
		if wait := r.breaker.RetryIn(); wait > 0 {
			r.ctrl.log.Warn("device keeps failing, pausing recovery", "cool_down", wait, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			// The stream was not watched; it is still running.
			continue
		}
		if err := r.recover(ctx, startID); err != nil {
			return err
		}
	}
}

// recover reopens the device with exponential backoff.
func (r *Recoverer) recover(ctx context.Context, startID int) error {
	cause := r.ctrl.Err()
	resume := startID
	if r.ctrl.Direction() == device.Render {
		if id := r.ctrl.NowPlayingID(); id != pcm.SilenceID {
			resume = id
		}
	}

	log := r.ctrl.log
	currentBackoff := r.backoff
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		log.Info("attempting stream recovery",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
			"cause", cause,
		)

		lastErr = r.ctrl.Reopen(ctx)
		if lastErr == nil {
			lastErr = r.ctrl.Start(ctx, resume)
		}
		if lastErr == nil {
			log.Info("stream recovered", "attempt", attempt, "segment_id", resume)
			if r.onRecover != nil {
				r.onRecover(attempt)
			}
			return nil
		}

		log.Warn("stream recovery attempt failed", "attempt", attempt, "err", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	log.Error("stream recovery failed after max retries", "max_retries", r.maxRetries)
	return fmt.Errorf("session: recovery failed after %d attempts: %w (stream stopped on: %w)", r.maxRetries, lastErr, cause)
}
