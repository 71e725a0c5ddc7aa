package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

func TestMemoryQueue(t *testing.T) {
	runQueueSuite(t, func(_ *testing.T, clk clock.Clock) Queue {
		return NewMemoryQueue(suiteOpts, clk)
	})
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second}
	require.Equal(t, 2*time.Second, b.Delay(1))
	require.Equal(t, 4*time.Second, b.Delay(2))
	require.Equal(t, 8*time.Second, b.Delay(3))
	require.Equal(t, 2*time.Second, b.Delay(0))

	capped := Backoff{Base: time.Second, Max: 5 * time.Second}
	require.Equal(t, 4*time.Second, capped.Delay(3))
	require.Equal(t, 5*time.Second, capped.Delay(4))
	require.Equal(t, 5*time.Second, capped.Delay(60))
}

func TestBackoffIsMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		base := time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "base"))
		attempt := rapid.IntRange(1, 40).Draw(rt, "attempt")
		b := Backoff{Base: base, Max: time.Hour}

		cur, next := b.Delay(attempt), b.Delay(attempt+1)
		if next < cur {
			rt.Fatalf("delay shrank: %v -> %v", cur, next)
		}
		if cur < base || cur > time.Hour {
			rt.Fatalf("delay %v outside [%v, 1h]", cur, base)
		}
	})
}
