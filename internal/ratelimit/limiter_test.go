package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

func TestAdmitRejectsBeyondCapAndResetsNextWindow(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounterStore(), 3, time.Hour)

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "a@example.com", t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.True(t, ok, "admit %d", i+1)
	}
	ok, err := l.Admit(ctx, "a@example.com", t0.Add(10*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	// Other senders have their own counters.
	ok, err = l.Admit(ctx, "b@example.com", t0)
	require.NoError(t, err)
	require.True(t, ok)

	next := l.NextWindow(t0)
	require.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next)
	ok, err = l.Admit(ctx, "a@example.com", next)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseCompensatesRejectedAdmit(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounterStore(), 1, time.Hour)

	ok, _ := l.Admit(ctx, "a@example.com", t0)
	require.True(t, ok)
	ok, _ = l.Admit(ctx, "a@example.com", t0)
	require.False(t, ok)

	n, err := l.PeekCount(ctx, "a@example.com", t0)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, l.Release(ctx, "a@example.com", t0))
	n, err = l.PeekCount(ctx, "a@example.com", t0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestNextAvailableWindow(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounterStore(), 2, time.Hour)

	at, err := l.NextAvailableWindow(ctx, "a@example.com", t0)
	require.NoError(t, err)
	require.Equal(t, t0, at)

	_, _ = l.Admit(ctx, "a@example.com", t0)
	_, _ = l.Admit(ctx, "a@example.com", t0)

	at, err = l.NextAvailableWindow(ctx, "a@example.com", t0)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), at)

	// Peeking must not consume capacity.
	n, _ := l.PeekCount(ctx, "a@example.com", t0)
	require.EqualValues(t, 2, n)
}

func TestBucketsAreEpochAligned(t *testing.T) {
	l := NewLimiter(NewMemoryCounterStore(), 1, time.Hour)

	before := time.Date(2026, 3, 29, 0, 59, 59, 0, time.UTC)
	after := before.Add(time.Second)
	require.Equal(t, l.Bucket(before)+1, l.Bucket(after))
	require.Equal(t, after, l.WindowStart(after))

	// The same instant in another zone lands in the same bucket.
	berlin := time.FixedZone("CEST", 2*60*60)
	require.Equal(t, l.Bucket(after), l.Bucket(after.In(berlin)))
}

func TestSubSecondAndFractionalWindows(t *testing.T) {
	ctx := context.Background()

	for _, window := range []time.Duration{500 * time.Millisecond, 1500 * time.Millisecond} {
		l := NewLimiter(NewMemoryCounterStore(), 1, window)
		now := t0.Add(100 * time.Millisecond)

		ok, err := l.Admit(ctx, "a@example.com", now)
		require.NoError(t, err, window)
		require.True(t, ok, window)
		ok, err = l.Admit(ctx, "a@example.com", now)
		require.NoError(t, err, window)
		require.False(t, ok, window)

		start := l.WindowStart(now)
		require.False(t, start.After(now), window)
		require.True(t, now.Before(start.Add(window)), window)

		// The next window is exactly one bucket later and has fresh capacity.
		next := l.NextWindow(now)
		require.Equal(t, window, next.Sub(start), window)
		require.Equal(t, l.Bucket(now)+1, l.Bucket(next), window)
		ok, err = l.Admit(ctx, "a@example.com", next)
		require.NoError(t, err, window)
		require.True(t, ok, window)
	}
}

func TestSetCapAppliesImmediately(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemoryCounterStore(), 1, time.Hour)

	ok, _ := l.Admit(ctx, "a@example.com", t0)
	require.True(t, ok)

	l.SetCap(5)
	require.EqualValues(t, 5, l.Cap())
	ok, _ = l.Admit(ctx, "a@example.com", t0)
	require.True(t, ok)
}

func TestMemoryCounterExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCounterStore()

	n, err := s.Incr(ctx, "k", time.Minute, t0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = s.Get(ctx, "k", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.Incr(ctx, "k", time.Minute, t0.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	swept, err := s.SweepExpired(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, swept)
}

func TestAdmitCountMatchesCapProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capN := rapid.IntRange(1, 40).Draw(rt, "cap")
		calls := rapid.IntRange(0, 80).Draw(rt, "calls")
		offset := rapid.Int64Range(0, 3599).Draw(rt, "offset")

		ctx := context.Background()
		l := NewLimiter(NewMemoryCounterStore(), capN, time.Hour)
		start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

		admitted := 0
		for i := 0; i < calls; i++ {
			ok, err := l.Admit(ctx, "s@example.com", start.Add(time.Duration(offset)*time.Second))
			if err != nil {
				rt.Fatal(err)
			}
			if ok {
				admitted++
			}
		}
		want := calls
		if want > capN {
			want = capN
		}
		if admitted != want {
			rt.Fatalf("admitted %d, want %d", admitted, want)
		}
	})
}
