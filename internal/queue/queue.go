// Package queue is the durable delayed job queue. Tasks stay invisible until
// their due time, are leased to one worker at a time, and are retried with
// exponential backoff until they complete or are dead-lettered.
package queue

import (
	"context"
	"errors"
	"time"
)

type State string

const (
	StatePending    State = "pending"
	StateCheckedOut State = "checked_out"
	StateCompleted  State = "completed"
	StateDead       State = "dead"
)

func (s State) Terminal() bool { return s == StateCompleted || s == StateDead }

var (
	ErrTaskNotFound = errors.New("task not found")
	// ErrLeaseLost is returned when the caller's lease expired or another
	// worker already settled the task.
	ErrLeaseLost = errors.New("task lease lost")
)

// Task is the queue's unit of work, addressed by Key.
type Task struct {
	ID          int64
	Key         string
	Payload     []byte
	State       State
	DueAt       time.Time
	Attempts    int // failed attempts so far
	MaxAttempts int
	LeaseToken  string
	LockedBy    string
	LeaseUntil  time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// Queue is implemented by PostgresQueue and MemoryQueue.
type Queue interface {
	// Enqueue admits a task due at due. A live task with the same key is
	// left alone and returned; a completed or dead one is replaced.
	Enqueue(ctx context.Context, key string, due time.Time, payload []byte) (*Task, error)
	// Take leases the earliest ready task to worker, or returns nil when
	// nothing is ready. Tasks whose lease expired are ready again.
	Take(ctx context.Context, worker string) (*Task, error)
	Complete(ctx context.Context, t *Task) error
	// Fail records a failed attempt. The returned task is pending with a
	// backed-off due time, or dead once MaxAttempts is reached.
	Fail(ctx context.Context, t *Task, cause string) (*Task, error)
	// Reschedule returns a leased task to pending at due without using up
	// an attempt.
	Reschedule(ctx context.Context, t *Task, due time.Time) error
	// Bury dead-letters a leased task immediately.
	Bury(ctx context.Context, t *Task, reason string) error
	Get(ctx context.Context, key string) (*Task, error)
	ListDead(ctx context.Context, limit int) ([]*Task, error)
	Prune(ctx context.Context, policy RetentionPolicy) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Backoff is exponential: Base, 2*Base, 4*Base, ... capped at Max when set.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retrying after the attempt-th failure
// (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Options configure either queue implementation.
type Options struct {
	MaxAttempts  int
	Backoff      Backoff
	LeaseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 2 * time.Second
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 2 * time.Minute
	}
	return o
}

// RetentionPolicy bounds how many settled tasks are kept. A negative count
// disables that bound; a zero age keeps completed tasks regardless of age.
type RetentionPolicy struct {
	KeepCompleted    int
	KeepCompletedFor time.Duration
	KeepDead         int
}

func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{KeepCompleted: 100, KeepCompletedFor: 24 * time.Hour, KeepDead: 1000}
}

type Stats struct {
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	CheckedOut int `json:"checked_out"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
}
