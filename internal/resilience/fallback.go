package resilience

import (
	"context"
	"errors"
)

// Fallback returns an operation that runs primary and, if it fails,
// runs secondary. A canceled context is never retried against the
// secondary, and ErrCircuitOpen from the primary does fall through so
// a degraded path can serve while the dependency recovers.
func Fallback(primary, secondary Operation) Operation {
	return func(ctx context.Context) error {
		err := primary(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}
		return secondary(ctx)
	}
}
