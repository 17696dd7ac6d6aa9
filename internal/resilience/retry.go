// Package resilience provides composable wrappers for calls to
// unreliable dependencies: retry with exponential backoff, a circuit
// breaker, a counting concurrency limiter, a rate limiter, and a
// fallback combinator. All primitives are safe to share across
// concurrent callers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Operation is a single attempt against an external dependency. The
// context carries the per-attempt timeout when one is configured.
type Operation func(ctx context.Context) error

// ErrAttemptTimeout marks an attempt that failed because its timeout
// elapsed. It counts as a failed attempt for retry purposes; the
// wrapper exists only so diagnostics can tell timeouts from explicit
// errors.
var ErrAttemptTimeout = errors.New("attempt timed out")

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, first try included.
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	// Default: 1 second
	InitialBackoff time.Duration

	// BackoffMultiplier scales the delay after each failed attempt.
	// Default: 2
	BackoffMultiplier float64

	// MaxBackoff caps the delay between attempts.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// PerAttemptTimeout bounds each attempt. Zero disables the bound.
	PerAttemptTimeout time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
}

// Retrier retries operations with exponential backoff.
type Retrier struct {
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetrier creates a retrier. A nil logger disables retry logging.
func NewRetrier(cfg RetryConfig, logger *zap.Logger) *Retrier {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{cfg: cfg, logger: logger}
}

// Do runs op up to MaxAttempts times, sleeping between failed attempts
// with exponential backoff. The sleep is cancellable through ctx. The
// error from the last attempt is returned once attempts are exhausted.
func (r *Retrier) Do(ctx context.Context, name string, op Operation) error {
	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = r.attempt(ctx, op)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.logger.Info("retrying after failed attempt",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			next := time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
			if next > r.cfg.MaxBackoff {
				next = r.cfg.MaxBackoff
			}
			backoff = next
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", name, r.cfg.MaxAttempts, lastErr)
}

// attempt runs a single attempt under the per-attempt timeout and
// classifies timeout failures.
func (r *Retrier) attempt(ctx context.Context, op Operation) error {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if r.cfg.PerAttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.PerAttemptTimeout)
		defer cancel()
	}

	err := op(attemptCtx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %w", ErrAttemptTimeout, err)
	}
	return err
}
