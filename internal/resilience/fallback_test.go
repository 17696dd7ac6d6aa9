package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallback_PrimarySucceeds(t *testing.T) {
	secondaryCalls := 0
	op := Fallback(
		func(context.Context) error { return nil },
		func(context.Context) error { secondaryCalls++; return nil },
	)

	require.NoError(t, op(context.Background()))
	assert.Equal(t, 0, secondaryCalls)
}

func TestFallback_SecondaryServesOnFailure(t *testing.T) {
	op := Fallback(
		func(context.Context) error { return errors.New("primary down") },
		func(context.Context) error { return nil },
	)

	require.NoError(t, op(context.Background()))
}

func TestFallback_OpenCircuitFallsThrough(t *testing.T) {
	b := NewCircuitBreaker(1, 0)
	b.RecordFailure()
	secondaryCalls := 0

	op := Fallback(
		func(ctx context.Context) error {
			return b.Do(ctx, func(context.Context) error { return errors.New("unreachable") })
		},
		func(context.Context) error { secondaryCalls++; return nil },
	)

	require.NoError(t, op(context.Background()))
	assert.Equal(t, 1, secondaryCalls)
}

func TestFallback_CancellationSkipsSecondary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	secondaryCalls := 0

	op := Fallback(
		func(ctx context.Context) error { return ctx.Err() },
		func(context.Context) error { secondaryCalls++; return nil },
	)

	err := op(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, secondaryCalls)
}
