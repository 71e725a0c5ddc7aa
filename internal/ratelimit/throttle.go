package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

// Throttle spaces dispatches across the whole worker pool. It is separate
// from the per-sender Limiter.
type Throttle interface {
	// Wait blocks until the caller may start one dispatch.
	Wait(ctx context.Context) error
	SetInterval(d time.Duration)
}

// LocalThrottle spaces dispatches within one process.
type LocalThrottle struct {
	lim *rate.Limiter
}

func NewLocalThrottle(interval time.Duration) *LocalThrottle {
	return &LocalThrottle{lim: rate.NewLimiter(everyOrInf(interval), 1)}
}

func (t *LocalThrottle) Wait(ctx context.Context) error { return t.lim.Wait(ctx) }

func (t *LocalThrottle) SetInterval(d time.Duration) { t.lim.SetLimit(everyOrInf(d)) }

func everyOrInf(d time.Duration) rate.Limit {
	if d <= 0 {
		return rate.Inf
	}
	return rate.Every(d)
}

// SlotStore reserves the next free slot on a named global timeline.
type SlotStore interface {
	// Reserve returns max(next, now) and advances next by interval.
	Reserve(ctx context.Context, name string, interval time.Duration, now time.Time) (time.Time, error)
}

// SharedThrottle spaces dispatches across every process using a SlotStore.
type SharedThrottle struct {
	store    SlotStore
	name     string
	clock    clock.Clock
	interval atomic.Int64
}

func NewSharedThrottle(store SlotStore, name string, interval time.Duration, clk clock.Clock) *SharedThrottle {
	t := &SharedThrottle{store: store, name: name, clock: clock.Or(clk)}
	t.interval.Store(int64(interval))
	return t
}

func (t *SharedThrottle) SetInterval(d time.Duration) { t.interval.Store(int64(d)) }

func (t *SharedThrottle) Wait(ctx context.Context) error {
	interval := time.Duration(t.interval.Load())
	if interval <= 0 {
		return ctx.Err()
	}
	now := t.clock.Now()
	slot, err := t.store.Reserve(ctx, t.name, interval, now)
	if err != nil {
		return err
	}
	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
