package resilience

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter bounds the number of operations in flight at once. It is a
// counting limiter: Acquire blocks until a slot is free or the context
// is canceled.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter creates a limiter admitting at most n concurrent holders.
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire claims a slot, blocking until one is available.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (l *Limiter) Release() {
	<-l.slots
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

// RateLimiter wraps a token-bucket limiter for calls to rate-limited
// external dependencies.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter creates a limiter allowing perSecond operations with
// the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until the next operation is allowed.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Wrap returns an Operation that waits for rate admission before
// running op.
func (r *RateLimiter) Wrap(op Operation) Operation {
	return func(ctx context.Context) error {
		if err := r.Wait(ctx); err != nil {
			return err
		}
		return op(ctx)
	}
}
