package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/db/dbtest"
)

func TestPostgresCounterStore(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	l := NewLimiter(&PostgresCounterStore{DB: conn}, 5, time.Hour)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Admit(ctx, "pg@example.com", t0)
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	require.Equal(t, 5, admitted)

	require.NoError(t, l.Release(ctx, "pg@example.com", t0))
	n, err := l.PeekCount(ctx, "pg@example.com", t0)
	require.NoError(t, err)
	require.EqualValues(t, 7, n)

	// An expired row restarts at one.
	store := &PostgresCounterStore{DB: conn}
	n, err = store.Incr(ctx, "rate:pg@example.com:0", time.Minute, t0)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = store.Incr(ctx, "rate:pg@example.com:0", time.Minute, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	swept, err := store.SweepExpired(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, swept)
}

func TestPostgresSlotStore(t *testing.T) {
	conn := dbtest.Open(t)
	ctx := context.Background()
	s := &PostgresSlotStore{DB: conn}

	a, err := s.Reserve(ctx, "pool", 2*time.Second, t0)
	require.NoError(t, err)
	b, err := s.Reserve(ctx, "pool", 2*time.Second, t0)
	require.NoError(t, err)
	require.True(t, a.Equal(t0))
	require.True(t, b.Equal(t0.Add(2*time.Second)))
}
