package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

func TestLocalThrottleSpacesCalls(t *testing.T) {
	th := NewLocalThrottle(40 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(ctx))
	}
	require.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond)
}

func TestLocalThrottleDisabled(t *testing.T) {
	th := NewLocalThrottle(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, th.Wait(context.Background()))
	}
	require.Less(t, time.Since(start), time.Second)
}

func TestMemorySlotStoreReserves(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySlotStore()

	a, _ := s.Reserve(ctx, "pool", time.Second, t0)
	b, _ := s.Reserve(ctx, "pool", time.Second, t0)
	c, _ := s.Reserve(ctx, "pool", time.Second, t0.Add(10*time.Second))
	require.Equal(t, t0, a)
	require.Equal(t, t0.Add(time.Second), b)
	require.Equal(t, t0.Add(10*time.Second), c)
}

func TestSharedThrottleWaitsForSlot(t *testing.T) {
	clk := clock.NewFake(t0)
	th := NewSharedThrottle(NewMemorySlotStore(), "pool", 50*time.Millisecond, clk)
	ctx := context.Background()

	require.NoError(t, th.Wait(ctx))
	start := time.Now()
	require.NoError(t, th.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSharedThrottleHonoursCancel(t *testing.T) {
	clk := clock.NewFake(t0)
	th := NewSharedThrottle(NewMemorySlotStore(), "pool", time.Hour, clk)

	require.NoError(t, th.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, th.Wait(ctx), context.DeadlineExceeded)

	th.SetInterval(0)
	require.NoError(t, th.Wait(context.Background()))
}
