// Package ratelimit enforces per-sender send caps over fixed time windows
// and the pool-wide minimum spacing between dispatches.
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// CounterStore is an atomic increment-with-expiry capability shared by all
// workers. A counter past its expiry reads as zero.
type CounterStore interface {
	// Incr adds one to key and returns the new value. The first increment
	// of a fresh or expired counter arms an expiry of ttl from now.
	Incr(ctx context.Context, key string, ttl time.Duration, now time.Time) (int64, error)
	// Decr subtracts one, never going below zero.
	Decr(ctx context.Context, key string, now time.Time) (int64, error)
	Get(ctx context.Context, key string, now time.Time) (int64, error)
}

// Limiter admits at most Cap sends per sender per fixed window. Windows are
// aligned to epoch multiples of the window width.
type Limiter struct {
	store  CounterStore
	window time.Duration
	cap    atomic.Int64
}

func NewLimiter(store CounterStore, cap int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Hour
	}
	l := &Limiter{store: store, window: window}
	l.cap.Store(int64(cap))
	return l
}

func (l *Limiter) Cap() int64 { return l.cap.Load() }

// SetCap changes the per-window cap. Counts already taken are kept.
func (l *Limiter) SetCap(n int) { l.cap.Store(int64(n)) }

func (l *Limiter) Window() time.Duration { return l.window }

// Bucket is the window number containing now. Windows are counted from the
// Unix epoch at nanosecond resolution, so any positive width works.
func (l *Limiter) Bucket(now time.Time) int64 {
	return now.UnixNano() / int64(l.window)
}

func (l *Limiter) WindowStart(now time.Time) time.Time {
	return time.Unix(0, l.Bucket(now)*int64(l.window)).UTC()
}

func (l *Limiter) NextWindow(now time.Time) time.Time {
	return l.WindowStart(now).Add(l.window)
}

func (l *Limiter) key(sender string, now time.Time) string {
	return fmt.Sprintf("rate:%s:%d", sender, l.Bucket(now))
}

// Admit consumes one slot for sender. A rejection leaves the increment in
// place; callers that do not send must Release it.
func (l *Limiter) Admit(ctx context.Context, sender string, now time.Time) (bool, error) {
	n, err := l.store.Incr(ctx, l.key(sender, now), l.window, now)
	if err != nil {
		return false, fmt.Errorf("rate limit incr: %w", err)
	}
	return n <= l.cap.Load(), nil
}

// Release undoes one Admit in the window containing now.
func (l *Limiter) Release(ctx context.Context, sender string, now time.Time) error {
	if _, err := l.store.Decr(ctx, l.key(sender, now), now); err != nil {
		return fmt.Errorf("rate limit decr: %w", err)
	}
	return nil
}

func (l *Limiter) PeekCount(ctx context.Context, sender string, now time.Time) (int64, error) {
	n, err := l.store.Get(ctx, l.key(sender, now), now)
	if err != nil {
		return 0, fmt.Errorf("rate limit get: %w", err)
	}
	return n, nil
}

// NextAvailableWindow returns now when the sender still has capacity,
// otherwise the start of the next window.
func (l *Limiter) NextAvailableWindow(ctx context.Context, sender string, now time.Time) (time.Time, error) {
	n, err := l.PeekCount(ctx, sender, now)
	if err != nil {
		return time.Time{}, err
	}
	if n < l.cap.Load() {
		return now, nil
	}
	return l.NextWindow(now), nil
}
