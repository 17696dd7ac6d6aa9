package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	l := NewLimiter(2)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Acquire(context.Background()))
			defer l.Release()

			now := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiter_AcquireRespectsCancellation(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.InFlight())
}

func TestRateLimiter_Wrap(t *testing.T) {
	r := NewRateLimiter(1000, 1)
	calls := 0
	op := r.Wrap(func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, op(context.Background()))
	require.NoError(t, op(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestRateLimiter_WaitRespectsCancellation(t *testing.T) {
	r := NewRateLimiter(0.001, 1)
	require.NoError(t, r.Wait(context.Background()), "burst token available")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := r.Wait(ctx)
	require.Error(t, err)
}
