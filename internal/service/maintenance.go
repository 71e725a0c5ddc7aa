// internal/service/maintenance.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/unclebandit/email-scheduler/internal/clock"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/queue"
)

// CounterSweeper deletes rate counters whose window has passed.
type CounterSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

type PruneReport struct {
	Tasks    int64 `json:"tasks"`
	Counters int64 `json:"counters"`
}

// Maintenance bounds the storage used by settled tasks and old counters.
type Maintenance struct {
	Queue     queue.Queue
	Counters  CounterSweeper
	Retention queue.RetentionPolicy
	Clock     clock.Clock
	Log       logx.Logger
}

func (m *Maintenance) Prune(ctx context.Context) (PruneReport, error) {
	var report PruneReport

	n, err := m.Queue.Prune(ctx, m.Retention)
	if err != nil {
		return report, fmt.Errorf("prune tasks: %w", err)
	}
	report.Tasks = n

	if m.Counters != nil {
		n, err := m.Counters.SweepExpired(ctx, clock.Or(m.Clock).Now())
		if err != nil {
			return report, fmt.Errorf("sweep counters: %w", err)
		}
		report.Counters = n
	}

	m.Log.Debug("maintenance prune", logx.Int64("tasks", report.Tasks), logx.Int64("counters", report.Counters))
	return report, nil
}
