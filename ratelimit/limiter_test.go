package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWithinBurstDoesNotBlock(t *testing.T) {
	l := New(Config{RefillPerSecond: 1, Burst: 5})

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background(), "acct-1", 1))
	}
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	l := New(Config{RefillPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Acquire(context.Background(), "acct-1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, "acct-1", 1)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireSurfacesCancellation(t *testing.T) {
	l := New(Config{RefillPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Acquire(context.Background(), "acct-1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "acct-1", 1)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBucketsAreIndependentPerAccount(t *testing.T) {
	l := New(Config{RefillPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Acquire(context.Background(), "acct-1", 1))

	// Draining one account's bucket must not affect another's.
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "acct-2", 1))
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPenalizePausesAcquire(t *testing.T) {
	l := New(Config{RefillPerSecond: 1000, Burst: 5})
	l.Penalize("acct-1", 150*time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), "acct-1", 1))
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestPenalizeBacksOffExponentially(t *testing.T) {
	l := New(Config{RefillPerSecond: 1000, Burst: 5})

	l.Penalize("acct-1", 0)
	first := time.Until(l.Status("acct-1").ResetAt)
	require.Greater(t, first, 500*time.Millisecond)
	require.LessOrEqual(t, first, time.Second)

	l.Penalize("acct-1", 0)
	second := time.Until(l.Status("acct-1").ResetAt)
	require.Greater(t, second, 1500*time.Millisecond)
	require.LessOrEqual(t, second, 2*time.Second)
}

func TestPenalizePrefersProviderHint(t *testing.T) {
	l := New(Config{RefillPerSecond: 1000, Burst: 5})
	l.Penalize("acct-1", 3*time.Second)

	pause := time.Until(l.Status("acct-1").ResetAt)
	require.Greater(t, pause, 2500*time.Millisecond)
	require.LessOrEqual(t, pause, 3*time.Second)
}

func TestStatusReportsCapacityAndRemaining(t *testing.T) {
	l := New(Config{RefillPerSecond: 0.1, Burst: 3})

	status := l.Status("acct-1")
	require.Equal(t, 3, status.Capacity)
	require.Equal(t, 3, status.Remaining)

	require.NoError(t, l.Acquire(context.Background(), "acct-1", 2))
	status = l.Status("acct-1")
	require.Equal(t, 1, status.Remaining)
	require.True(t, status.ResetAt.After(time.Now()))
}
