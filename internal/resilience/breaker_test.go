package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.Equal(t, BreakerClosed, b.State(), "failures must be consecutive to open the breaker")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	assert.True(t, b.Allow(), "cooldown elapsed, one probe admitted")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	b.RecordSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())

	b.RecordFailure()

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestCircuitBreaker_Do(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute)
	boom := errors.New("boom")

	err := b.Do(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)

	err = b.Do(context.Background(), func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen, "open breaker refuses without calling the operation")
}
