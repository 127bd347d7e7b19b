// Package circuitbreaker protects the gateway's single origin with a
// consecutive-failure circuit breaker: trip after N failures in a row,
// reject while open, probe after a recovery timeout.
package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bffkit/gateway/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; a request is allowed through to test recovery.
)

// String returns a human-readable state name.
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

// Breaker guards calls to the origin. One instance exists per origin and is
// shared by every in-flight request, so all transitions happen under a single
// mutex — concurrent failure bursts cannot under- or over-trip it.
//
// Invariants: state == open implies lastFailure is set and
// failures >= threshold; state == closed implies failures == 0.
type Breaker struct {
	mu sync.Mutex

	state       State
	failures    int
	lastFailure time.Time

	origin          string
	threshold       int
	recoveryTimeout time.Duration
	logger          *slog.Logger
}

// New creates a closed Breaker for the given origin. threshold is the number
// of consecutive recorded failures that trips the breaker; recoveryTimeout is
// how long after the last failure the breaker stays open before allowing a
// probe.
func New(origin string, threshold int, recoveryTimeout time.Duration, logger *slog.Logger) *Breaker {
	return &Breaker{
		state:           StateClosed,
		origin:          origin,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		logger:          logger,
	}
}

// Allow reports whether a request may proceed. Closed and half-open always
// admit. Open admits only once the recovery timeout has elapsed since the
// last failure, transitioning to half-open for the probe; otherwise the
// request must be rejected with a circuit-open error before any upstream
// call is attempted.
//
// The open→half-open transition is lazy: it happens here, on admission,
// not on a background timer.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.recoveryTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	default: // closed, half-open
		return true
	}
}

// RecordSuccess records one successful upstream attempt sequence. In closed
// state the failure counter resets; a half-open probe success closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.transitionTo(StateClosed)
	}
}

// RecordFailure records one failed upstream attempt sequence. Reaching the
// threshold in closed state trips the breaker; a half-open probe failure
// reopens it and refreshes the failure timestamp.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed. Used by the admin API.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.origin, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.origin).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"origin", b.origin,
		"from", from.String(),
		"to", newState.String(),
		"failures", b.failures,
	)

	if newState == StateClosed {
		b.failures = 0
	}
}
