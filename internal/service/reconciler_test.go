package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/repository"
)

func (h *harness) reconciler() *Reconciler {
	return &Reconciler{
		EmailRepo: h.repo,
		Queue:     h.q,
		Events:    h.events,
		Clock:     h.clk,
		Log:       logx.Nop(),
		Grace:     time.Minute,
		Batch:     100,
	}
}

func TestReconcileRepairsSettledTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(100)
	res := h.schedule(t, []string{"dead@example.com", "done@example.com", "live@example.com"}, t0, time.Second)

	// dead: the task was dead-lettered but the record never updated.
	task, err := h.q.Take(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.q.Bury(ctx, task, "smtp down"))

	// done: the task completed while the record stayed scheduled.
	h.clk.Advance(time.Second)
	task, err = h.q.Take(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.q.Complete(ctx, task))

	h.clk.Advance(2 * time.Minute)
	report, err := h.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 3, Failed: 2, Live: 1}, report)

	dead := h.email(t, res.Emails[0].ID)
	require.Equal(t, model.StatusFailed, dead.Status)
	require.Contains(t, dead.ErrorMessage, "smtp down")
	require.Len(t, h.events.OfType(events.EmailDeadLettered), 1)

	// A completed task is never handed out again.
	done := h.email(t, res.Emails[1].ID)
	require.Equal(t, model.StatusFailed, done.Status)
	require.Equal(t, ReasonOutcomeUnknown, done.ErrorMessage)
	settled, err := h.q.Get(ctx, model.JobIDFor(res.Emails[1].ID))
	require.NoError(t, err)
	require.Equal(t, queue.StateCompleted, settled.State)
	require.Len(t, h.events.OfType(events.EmailFailed), 1)

	// A second sweep finds only live work.
	report, err = h.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Live: 1}, report)
}

// markSentFails loses every MarkSent write.
type markSentFails struct {
	repository.EmailRepositoryInterface
}

func (r *markSentFails) MarkSent(context.Context, int64, string, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestReconcileNeverResendsUnrecordedDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(100)
	s := &countingSender{}
	d := h.dispatcher(s)
	d.EmailRepo = &markSentFails{EmailRepositoryInterface: h.repo}
	res := h.schedule(t, []string{"a@example.com"}, t0, time.Second)

	outcome, ok := h.step(t, d)
	require.True(t, ok)
	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, model.StatusScheduled, h.email(t, res.Emails[0].ID).Status)

	h.clk.Advance(2 * time.Minute)
	report, err := h.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileReport{Scanned: 1, Failed: 1}, report)

	_, ok = h.step(t, d)
	require.False(t, ok, "no task should be ready")
	require.EqualValues(t, 1, s.calls.Load(), "email delivered more than once")
	require.Equal(t, model.StatusFailed, h.email(t, res.Emails[0].ID).Status)
}

// failingPublisher rejects every event.
type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(context.Context, events.Event) error {
	p.calls++
	return errors.New("broker down")
}

func TestReconcileSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(100)
	res := h.schedule(t, []string{"a@example.com"}, t0, time.Second)

	task, err := h.q.Take(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, h.q.Bury(ctx, task, "smtp down"))

	pub := &failingPublisher{}
	r := h.reconciler()
	r.Events = pub

	h.clk.Advance(2 * time.Minute)
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, pub.calls)
	require.Equal(t, model.StatusFailed, h.email(t, res.Emails[0].ID).Status)
}

func TestReconcileHonoursGrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(100)
	h.scheduler.Queue = &flakyQueue{Queue: h.q, failKeys: map[string]bool{"email-1": true}}
	h.schedule(t, []string{"a@example.com"}, t0, time.Second)

	h.clk.Advance(30 * time.Second)
	report, err := h.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Scanned)

	h.clk.Advance(time.Minute)
	report, err = h.reconciler().Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Requeued)
}

func TestMaintenancePrunesTasksAndCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(100)
	d := h.dispatcher(&countingSender{})
	h.schedule(t, []string{"a@example.com", "b@example.com"}, t0, time.Millisecond)
	h.clk.Advance(time.Second)
	for {
		if _, ok := h.step(t, d); !ok {
			break
		}
	}

	m := &Maintenance{
		Queue:     h.q,
		Counters:  h.counters,
		Retention: queue.RetentionPolicy{KeepCompleted: 1, KeepDead: -1},
		Clock:     h.clk,
		Log:       logx.Nop(),
	}
	report, err := m.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, PruneReport{Tasks: 1}, report)

	h.clk.Advance(2 * time.Hour)
	report, err = m.Prune(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, report.Counters)

	stats, err := h.q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
}
