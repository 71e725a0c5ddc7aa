package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

// MemoryQueue is an in-process Queue. Live tasks sit in a min-heap ordered
// by the time they next become visible; every task is indexed by key.
type MemoryQueue struct {
	mu     sync.Mutex
	opts   Options
	clock  clock.Clock
	byKey  map[string]*entry
	ready  taskHeap
	nextID int64
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(opts Options, clk clock.Clock) *MemoryQueue {
	return &MemoryQueue{
		opts:  opts.withDefaults(),
		clock: clock.Or(clk),
		byKey: make(map[string]*entry),
	}
}

type entry struct {
	task  Task
	index int // position in ready, -1 when settled
}

// visibleAt is when the entry can next be taken.
func (e *entry) visibleAt() time.Time {
	if e.task.State == StateCheckedOut {
		return e.task.LeaseUntil
	}
	return e.task.DueAt
}

type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].visibleAt(), h[j].visibleAt()
	if a.Equal(b) {
		return h[i].task.ID < h[j].task.ID
	}
	return a.Before(b)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (q *MemoryQueue) snapshot(e *entry) *Task {
	t := e.task
	t.Payload = append([]byte(nil), e.task.Payload...)
	return &t
}

func (q *MemoryQueue) Enqueue(_ context.Context, key string, due time.Time, payload []byte) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if e, ok := q.byKey[key]; ok {
		if !e.task.State.Terminal() {
			return q.snapshot(e), nil
		}
		e.task = q.freshTask(e.task.ID, key, due, payload, now)
		heap.Push(&q.ready, e)
		return q.snapshot(e), nil
	}

	q.nextID++
	e := &entry{task: q.freshTask(q.nextID, key, due, payload, now)}
	q.byKey[key] = e
	heap.Push(&q.ready, e)
	return q.snapshot(e), nil
}

func (q *MemoryQueue) freshTask(id int64, key string, due time.Time, payload []byte, now time.Time) Task {
	return Task{
		ID:          id,
		Key:         key,
		Payload:     append([]byte(nil), payload...),
		State:       StatePending,
		DueAt:       due.UTC(),
		MaxAttempts: q.opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (q *MemoryQueue) Take(_ context.Context, worker string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ready.Len() == 0 {
		return nil, nil
	}
	now := q.clock.Now()
	e := q.ready[0]
	if e.visibleAt().After(now) {
		return nil, nil
	}

	e.task.State = StateCheckedOut
	e.task.LeaseToken = uuid.NewString()
	e.task.LockedBy = worker
	e.task.LeaseUntil = now.Add(q.opts.LeaseTimeout)
	e.task.UpdatedAt = now
	heap.Fix(&q.ready, e.index)
	return q.snapshot(e), nil
}

// leased returns the entry t refers to if t still holds its lease.
func (q *MemoryQueue) leased(t *Task) (*entry, error) {
	e, ok := q.byKey[t.Key]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if e.task.State != StateCheckedOut || e.task.LeaseToken != t.LeaseToken {
		return nil, ErrLeaseLost
	}
	return e, nil
}

func (q *MemoryQueue) settle(e *entry, state State, now time.Time) {
	e.task.State = state
	e.task.LeaseToken = ""
	e.task.LockedBy = ""
	e.task.LeaseUntil = time.Time{}
	e.task.UpdatedAt = now
	finished := now
	e.task.FinishedAt = &finished
	if e.index >= 0 {
		heap.Remove(&q.ready, e.index)
	}
}

func (q *MemoryQueue) release(e *entry, due time.Time, now time.Time) {
	e.task.State = StatePending
	e.task.DueAt = due.UTC()
	e.task.LeaseToken = ""
	e.task.LockedBy = ""
	e.task.LeaseUntil = time.Time{}
	e.task.UpdatedAt = now
	heap.Fix(&q.ready, e.index)
}

func (q *MemoryQueue) Complete(_ context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(t)
	if err != nil {
		return err
	}
	q.settle(e, StateCompleted, q.clock.Now())
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, t *Task, cause string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(t)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	e.task.Attempts++
	e.task.LastError = cause
	if e.task.Attempts >= e.task.MaxAttempts {
		q.settle(e, StateDead, now)
	} else {
		q.release(e, now.Add(q.opts.Backoff.Delay(e.task.Attempts)), now)
	}
	return q.snapshot(e), nil
}

func (q *MemoryQueue) Reschedule(_ context.Context, t *Task, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(t)
	if err != nil {
		return err
	}
	q.release(e, due, q.clock.Now())
	return nil
}

func (q *MemoryQueue) Bury(_ context.Context, t *Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(t)
	if err != nil {
		return err
	}
	e.task.LastError = reason
	q.settle(e, StateDead, q.clock.Now())
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, key string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byKey[key]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return q.snapshot(e), nil
}

// settledNewestFirst returns entries in state, most recently finished first.
func (q *MemoryQueue) settledNewestFirst(state State) []*entry {
	var out []*entry
	for _, e := range q.byKey {
		if e.task.State == state {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].task.FinishedAt, out[j].task.FinishedAt
		if a.Equal(*b) {
			return out[i].task.ID > out[j].task.ID
		}
		return a.After(*b)
	})
	return out
}

func (q *MemoryQueue) ListDead(_ context.Context, limit int) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	dead := q.settledNewestFirst(StateDead)
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]*Task, 0, len(dead))
	for _, e := range dead {
		out = append(out, q.snapshot(e))
	}
	return out, nil
}

func (q *MemoryQueue) Prune(_ context.Context, policy RetentionPolicy) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var removed int64
	drop := func(e *entry) {
		delete(q.byKey, e.task.Key)
		removed++
	}

	for i, e := range q.settledNewestFirst(StateCompleted) {
		tooOld := policy.KeepCompletedFor > 0 && e.task.FinishedAt.Before(now.Add(-policy.KeepCompletedFor))
		if tooOld || (policy.KeepCompleted >= 0 && i >= policy.KeepCompleted) {
			drop(e)
		}
	}
	for i, e := range q.settledNewestFirst(StateDead) {
		if policy.KeepDead >= 0 && i >= policy.KeepDead {
			drop(e)
		}
	}
	return removed, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var s Stats
	for _, e := range q.byKey {
		switch e.task.State {
		case StatePending:
			s.Pending++
			if !e.task.DueAt.After(now) {
				s.Ready++
			}
		case StateCheckedOut:
			s.CheckedOut++
		case StateCompleted:
			s.Completed++
		case StateDead:
			s.Dead++
		}
	}
	return s, nil
}
