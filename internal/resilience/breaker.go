package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker refuses a call because
// the protected dependency has been failing. Callers can use it to
// distinguish "the environment is down" from an ordinary failure.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the current state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// CircuitBreaker stops calling a repeatedly failing dependency until a
// cooldown elapses, then lets a single probe through. One breaker is
// meant to be shared by every caller of the same dependency.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and allows a probe after cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a call may proceed. When the cooldown has
// elapsed on an open breaker, exactly one caller is admitted as the
// half-open probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		// The probe is already in flight.
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// RecordFailure counts a failure and opens the breaker once the
// threshold is reached. A failed half-open probe reopens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.lastFailure = time.Now()
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs op through the breaker, recording the outcome. A refused
// call returns ErrCircuitOpen without invoking op.
func (b *CircuitBreaker) Do(ctx context.Context, op Operation) error {
	if !b.Allow() {
		return fmt.Errorf("%w (state %s)", ErrCircuitOpen, b.State())
	}
	err := op(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
