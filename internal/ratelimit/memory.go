package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	n       int64
	expires time.Time
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memCounter)}
}

func (s *MemoryCounterStore) live(key string, now time.Time) *memCounter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if !now.Before(c.expires) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key, now)
	if c == nil {
		c = &memCounter{expires: now.Add(ttl)}
		s.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (s *MemoryCounterStore) Decr(_ context.Context, key string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(key, now)
	if c == nil {
		return 0, nil
	}
	if c.n > 0 {
		c.n--
	}
	return c.n, nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.live(key, now); c != nil {
		return c.n, nil
	}
	return 0, nil
}

// SweepExpired drops counters past their expiry.
func (s *MemoryCounterStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, c := range s.counters {
		if !now.Before(c.expires) {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

// MemorySlotStore is a process-local SlotStore.
type MemorySlotStore struct {
	mu   sync.Mutex
	next map[string]time.Time
}

func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{next: make(map[string]time.Time)}
}

func (s *MemorySlotStore) Reserve(_ context.Context, name string, interval time.Duration, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.next[name]
	if slot.Before(now) {
		slot = now
	}
	s.next[name] = slot.Add(interval)
	return slot, nil
}
