// internal/service/reconciler.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/email-scheduler/internal/clock"
	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/repository"
)

type ReconcileReport struct {
	Scanned  int `json:"scanned"`
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Live     int `json:"live"`
}

// ReasonOutcomeUnknown marks an email whose delivery attempt finished but
// was never recorded.
const ReasonOutcomeUnknown = "delivery outcome unknown: attempt settled without a recorded result"

// Reconciler repairs emails still scheduled past their due time whose
// queue task is missing or settled.
type Reconciler struct {
	EmailRepo repository.EmailRepositoryInterface
	Queue     queue.Queue
	Events    events.Publisher
	Clock     clock.Clock
	Log       logx.Logger
	// Grace keeps freshly due emails out of the sweep.
	Grace time.Duration
	Batch int
}

func (r *Reconciler) Sweep(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := clock.Or(r.Clock).Now()
	batch := r.Batch
	if batch <= 0 {
		batch = 500
	}

	stale, err := r.EmailRepo.ListStaleScheduled(ctx, now.Add(-r.Grace), batch)
	if err != nil {
		return report, fmt.Errorf("list stale emails: %w", err)
	}

	for i := range stale {
		e := &stale[i]
		report.Scanned++
		key := model.JobIDFor(e.ID)
		log := r.Log.With(logx.Int64("email_id", e.ID), logx.String("task_key", key))

		task, err := r.Queue.Get(ctx, key)
		if err != nil && !errors.Is(err, queue.ErrTaskNotFound) {
			log.Error("reconcile lookup failed", logx.Err(err))
			continue
		}

		switch {
		case task == nil:
			if _, err := r.Queue.Enqueue(ctx, key, now, encodeJob(e.ID)); err != nil {
				log.Error("reconcile enqueue failed", logx.Err(err))
				continue
			}
			log.Info("requeued orphaned email")
			report.Requeued++

		case task.State == queue.StateDead:
			reason := appErrors.NewRetriesExhausted(task.Attempts, task.LastError).Error()
			if r.markFailed(ctx, log, e, reason, now) {
				report.Failed++
				r.publish(ctx, log, events.Event{
					Type: events.EmailDeadLettered, EmailID: e.ID, UserID: e.UserID,
					Sender: e.SenderEmail, Recipient: e.RecipientEmail,
					Attempt: task.Attempts, Reason: task.LastError, At: now,
				})
			}

		case task.State == queue.StateCompleted:
			// The attempt settled without recording its result, so the
			// message may already have gone out. It is never sent again.
			log.Warn("settled task left email scheduled")
			if r.markFailed(ctx, log, e, ReasonOutcomeUnknown, now) {
				report.Failed++
				r.publish(ctx, log, events.Event{
					Type: events.EmailFailed, EmailID: e.ID, UserID: e.UserID,
					Sender: e.SenderEmail, Recipient: e.RecipientEmail,
					Attempt: task.Attempts, Reason: ReasonOutcomeUnknown, At: now,
				})
			}

		default:
			report.Live++
		}
	}

	if report.Requeued > 0 || report.Failed > 0 {
		r.Log.Info("reconcile sweep",
			logx.Int("scanned", report.Scanned),
			logx.Int("requeued", report.Requeued),
			logx.Int("failed", report.Failed),
			logx.Int("live", report.Live),
		)
	}
	return report, nil
}

func (r *Reconciler) markFailed(ctx context.Context, log logx.Logger, e *model.Email, reason string, now time.Time) bool {
	ok, err := r.EmailRepo.MarkFailed(ctx, e.ID, reason, now)
	if err != nil {
		log.Error("reconcile mark failed", logx.Err(err))
		return false
	}
	return ok
}

func (r *Reconciler) publish(ctx context.Context, log logx.Logger, ev events.Event) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", logx.String("type", string(ev.Type)), logx.Err(err))
	}
}
