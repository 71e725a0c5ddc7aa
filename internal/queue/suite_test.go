package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

var suiteOpts = Options{
	MaxAttempts:  3,
	Backoff:      Backoff{Base: 2 * time.Second},
	LeaseTimeout: time.Minute,
}

type queueFactory func(t *testing.T, clk clock.Clock) Queue

// runQueueSuite checks the behaviour every Queue implementation shares.
func runQueueSuite(t *testing.T, newQueue queueFactory) {
	ctx := context.Background()
	payload := []byte(`{"email_id":1}`)

	t.Run("invisible until due", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-1", t0.Add(time.Second), payload)
		require.NoError(t, err)

		got, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.Nil(t, got)

		clk.Advance(time.Second)
		got, err = q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "email-1", got.Key)
		require.Equal(t, StateCheckedOut, got.State)
		require.JSONEq(t, string(payload), string(got.Payload))
		require.NotEmpty(t, got.LeaseToken)
	})

	t.Run("earliest due first", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "late", t0.Add(2*time.Second), payload)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "early", t0.Add(time.Second), payload)
		require.NoError(t, err)

		clk.Advance(5 * time.Second)
		a, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		b, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.Equal(t, "early", a.Key)
		require.Equal(t, "late", b.Key)

		none, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.Nil(t, none)
	})

	t.Run("enqueue is idempotent on key", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		first, err := q.Enqueue(ctx, "email-1", t0, payload)
		require.NoError(t, err)
		again, err := q.Enqueue(ctx, "email-1", t0.Add(time.Hour), payload)
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		require.True(t, again.DueAt.Equal(t0))

		taken, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, taken)
		none, err := q.Take(ctx, "w2")
		require.NoError(t, err)
		require.Nil(t, none)

		s, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, s.CheckedOut)
		require.Zero(t, s.Pending)
	})

	t.Run("terminal key is replaced", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-1", t0, payload)
		require.NoError(t, err)
		task, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, task))

		fresh, err := q.Enqueue(ctx, "email-1", t0.Add(time.Minute), payload)
		require.NoError(t, err)
		require.Equal(t, StatePending, fresh.State)
		require.Zero(t, fresh.Attempts)
		require.True(t, fresh.DueAt.Equal(t0.Add(time.Minute)))
	})

	t.Run("retries with exponential backoff then dead letters", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-1", t0, payload)
		require.NoError(t, err)

		var gaps []time.Duration
		runs := 0
		for {
			task, err := q.Take(ctx, "w1")
			require.NoError(t, err)
			require.NotNil(t, task)
			runs++

			failedAt := clk.Now()
			after, err := q.Fail(ctx, task, "connection reset")
			require.NoError(t, err)
			require.Equal(t, runs, after.Attempts)
			if after.State == StateDead {
				require.Equal(t, "connection reset", after.LastError)
				break
			}
			require.Equal(t, StatePending, after.State)
			gaps = append(gaps, after.DueAt.Sub(failedAt))

			// Not visible before the backoff elapses.
			clk.Advance(after.DueAt.Sub(failedAt) - time.Millisecond)
			none, err := q.Take(ctx, "w1")
			require.NoError(t, err)
			require.Nil(t, none)
			clk.Advance(time.Millisecond)
		}

		require.Equal(t, 3, runs)
		require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, gaps)

		dead, err := q.ListDead(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, "email-1", dead[0].Key)
	})

	t.Run("reschedule does not use an attempt", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-1", t0, payload)
		require.NoError(t, err)
		task, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Reschedule(ctx, task, t0.Add(time.Hour)))

		got, err := q.Get(ctx, "email-1")
		require.NoError(t, err)
		require.Equal(t, StatePending, got.State)
		require.Zero(t, got.Attempts)
		require.True(t, got.DueAt.Equal(t0.Add(time.Hour)))

		clk.Advance(time.Hour)
		task, err = q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, task)
	})

	t.Run("expired lease is retaken and the stale holder is fenced", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-1", t0, payload)
		require.NoError(t, err)
		first, err := q.Take(ctx, "w1")
		require.NoError(t, err)

		clk.Advance(30 * time.Second)
		none, err := q.Take(ctx, "w2")
		require.NoError(t, err)
		require.Nil(t, none)

		clk.Advance(31 * time.Second)
		second, err := q.Take(ctx, "w2")
		require.NoError(t, err)
		require.NotNil(t, second)
		require.Equal(t, "w2", second.LockedBy)
		require.NotEqual(t, first.LeaseToken, second.LeaseToken)

		require.ErrorIs(t, q.Complete(ctx, first), ErrLeaseLost)
		require.NoError(t, q.Complete(ctx, second))
		require.ErrorIs(t, q.Complete(ctx, second), ErrLeaseLost)
	})

	t.Run("bury dead letters immediately", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		_, err := q.Enqueue(ctx, "email-404", t0, payload)
		require.NoError(t, err)
		task, err := q.Take(ctx, "w1")
		require.NoError(t, err)
		require.NoError(t, q.Bury(ctx, task, "email 404 not found"))

		got, err := q.Get(ctx, "email-404")
		require.NoError(t, err)
		require.Equal(t, StateDead, got.State)
		require.Equal(t, "email 404 not found", got.LastError)
		require.NotNil(t, got.FinishedAt)
	})

	t.Run("get unknown key", func(t *testing.T) {
		q := newQueue(t, clock.NewFake(t0))
		_, err := q.Get(ctx, "missing")
		require.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("concurrent takers never share a task", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)
		for i := 0; i < 20; i++ {
			_, err := q.Enqueue(ctx, keyFor(i), t0, payload)
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := q.Take(ctx, "w")
					if err != nil || task == nil {
						return
					}
					mu.Lock()
					seen[task.Key]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, seen, 20)
		for k, n := range seen {
			require.Equal(t, 1, n, k)
		}
	})

	t.Run("prune keeps newest settled tasks", func(t *testing.T) {
		clk := clock.NewFake(t0)
		q := newQueue(t, clk)

		for i := 0; i < 5; i++ {
			_, err := q.Enqueue(ctx, keyFor(i), t0, payload)
			require.NoError(t, err)
		}
		for i := 0; i < 5; i++ {
			task, err := q.Take(ctx, "w1")
			require.NoError(t, err)
			if i < 3 {
				require.NoError(t, q.Complete(ctx, task))
			} else {
				require.NoError(t, q.Bury(ctx, task, "bad"))
			}
			clk.Advance(time.Second)
		}

		removed, err := q.Prune(ctx, RetentionPolicy{KeepCompleted: 2, KeepCompletedFor: time.Hour, KeepDead: 1})
		require.NoError(t, err)
		require.EqualValues(t, 2, removed)

		s, err := q.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, s.Completed)
		require.Equal(t, 1, s.Dead)

		clk.Advance(2 * time.Hour)
		removed, err = q.Prune(ctx, RetentionPolicy{KeepCompleted: 100, KeepCompletedFor: time.Hour, KeepDead: 100})
		require.NoError(t, err)
		require.EqualValues(t, 2, removed)
	})
}

func keyFor(i int) string {
	return "email-" + string(rune('a'+i))
}
