// internal/service/worker.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/email-scheduler/internal/clock"
	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/mailer"
	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/ratelimit"
	"github.com/unclebandit/email-scheduler/internal/repository"
)

// Outcome is what one dispatch attempt did with its task.
type Outcome string

const (
	OutcomeSent        Outcome = "sent"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeBusy        Outcome = "busy"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeRetrying    Outcome = "retrying"
	OutcomeFailed      Outcome = "failed"
	OutcomeDiscarded   Outcome = "discarded"
	OutcomeInterrupted Outcome = "interrupted"
)

type DispatcherOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// ClaimTTL bounds how long one worker holds the right to send an email.
	ClaimTTL time.Duration
}

// Dispatcher is the worker pool. Each worker takes ready tasks from the
// queue and runs them one at a time.
type Dispatcher struct {
	EmailRepo repository.EmailRepositoryInterface
	Queue     queue.Queue
	Limiter   *ratelimit.Limiter
	Throttle  ratelimit.Throttle
	Sender    mailer.Sender
	Events    events.Publisher
	Clock     clock.Clock
	Log       logx.Logger

	ID   string
	opts DispatcherOptions
}

func NewDispatcher(
	emails repository.EmailRepositoryInterface,
	q queue.Queue,
	limiter *ratelimit.Limiter,
	throttle ratelimit.Throttle,
	sender mailer.Sender,
	opts DispatcherOptions,
) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * time.Minute
	}
	if throttle == nil {
		throttle = ratelimit.NewLocalThrottle(0)
	}
	return &Dispatcher{
		EmailRepo: emails,
		Queue:     q,
		Limiter:   limiter,
		Throttle:  throttle,
		Sender:    sender,
		Events:    events.Nop{},
		ID:        "dispatcher-" + uuid.NewString()[:8],
		opts:      opts,
	}
}

func (d *Dispatcher) now() time.Time { return clock.Or(d.Clock).Now() }

// Run starts the pool and blocks until ctx is cancelled and every in-flight
// task has finished.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Log.Info("dispatcher starting",
		logx.String("dispatcher", d.ID),
		logx.Int("concurrency", d.opts.Concurrency),
		logx.Duration("poll_interval", d.opts.PollInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", d.ID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, workerID)
		}()
	}
	wg.Wait()
	d.Log.Info("dispatcher stopped", logx.String("dispatcher", d.ID))
}

func (d *Dispatcher) loop(ctx context.Context, workerID string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		worked, err := d.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			d.Log.Error("take failed", logx.String("worker", workerID), logx.Err(err))
		}
		if worked {
			timer.Reset(0)
		} else {
			timer.Reset(d.opts.PollInterval)
		}
	}
}

// RunOnce takes at most one ready task and processes it. It reports whether
// a task was taken.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := d.Queue.Take(ctx, workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	d.safeProcess(ctx, task)
	return true, nil
}

func (d *Dispatcher) safeProcess(ctx context.Context, task *queue.Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			d.Log.Error("dispatch panicked", logx.String("task_key", task.Key), logx.String("reason", reason))
			if _, err := d.Queue.Fail(context.WithoutCancel(ctx), task, reason); err != nil {
				d.Log.Error("fail after panic", logx.String("task_key", task.Key), logx.Err(err))
			}
			outcome = OutcomeRetrying
		}
	}()
	return d.Process(ctx, task)
}

// Process runs the dispatch procedure for one leased task. Only the
// throttle wait observes ctx; once a send may start the attempt runs to
// completion.
func (d *Dispatcher) Process(ctx context.Context, task *queue.Task) Outcome {
	log := d.Log.With(
		logx.String("task_key", task.Key),
		logx.String("worker", task.LockedBy),
		logx.Int("attempt", task.Attempts+1),
	)
	outcome := d.process(ctx, log, task)
	log.Info("dispatch finished", logx.String("outcome", string(outcome)))
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, log logx.Logger, task *queue.Task) Outcome {
	work := context.WithoutCancel(ctx)

	var job DispatchJob
	if err := json.Unmarshal(task.Payload, &job); err != nil || job.EmailID <= 0 {
		log.Warn("discarding task with bad payload", logx.Err(err))
		d.settle(log, "bury", d.Queue.Bury(work, task, "invalid payload"))
		return OutcomeDiscarded
	}
	log = log.With(logx.Int64("email_id", job.EmailID))

	email, err := d.EmailRepo.GetByID(work, job.EmailID)
	if appErrors.IsNotFound(err) {
		log.Warn("discarding task for missing email", logx.Err(err))
		d.settle(log, "bury", d.Queue.Bury(work, task, err.Error()))
		return OutcomeDiscarded
	}
	if err != nil {
		return d.failAttempt(work, log, task, job.EmailID, fmt.Sprintf("load email: %v", err))
	}
	if email.Status != model.StatusScheduled {
		d.settle(log, "complete", d.Queue.Complete(work, task))
		return OutcomeSkipped
	}

	if err := d.Throttle.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			d.settle(log, "reschedule", d.Queue.Reschedule(work, task, d.now()))
			return OutcomeInterrupted
		}
		// The throttle store is down. Hold the task back a poll interval
		// without spending an attempt on it.
		retryAt := d.now().Add(d.opts.PollInterval)
		log.Error("dispatch throttle failed", logx.Err(err), logx.Time("retry_at", retryAt))
		d.settle(log, "reschedule", d.Queue.Reschedule(work, task, retryAt))
		return OutcomeRetrying
	}

	now := d.now()
	token := uuid.NewString()
	claimed, err := d.EmailRepo.Claim(work, email.ID, token, now.Add(d.opts.ClaimTTL), now)
	if err != nil {
		return d.failAttempt(work, log, task, email.ID, fmt.Sprintf("claim email: %v", err))
	}
	if !claimed {
		current, err := d.EmailRepo.GetByID(work, email.ID)
		if err == nil && current.IsTerminal() {
			d.settle(log, "complete", d.Queue.Complete(work, task))
			return OutcomeSkipped
		}
		// Another worker holds the claim; the lease expiry brings the task back.
		return OutcomeBusy
	}

	admitted, err := d.Limiter.Admit(work, email.SenderEmail, now)
	if err != nil {
		d.releaseClaim(work, log, email.ID, token)
		return d.failAttempt(work, log, task, email.ID, err.Error())
	}
	if !admitted {
		if err := d.Limiter.Release(work, email.SenderEmail, now); err != nil {
			log.Error("rate limit release failed", logx.Err(err))
		}
		d.releaseClaim(work, log, email.ID, token)
		retryAt := d.Limiter.NextWindow(now)
		log.Info("deferring to next window", logx.Err(appErrors.NewRateLimited(email.SenderEmail, retryAt)))
		d.settle(log, "reschedule", d.Queue.Reschedule(work, task, retryAt))
		d.publish(work, log, events.Event{
			Type: events.EmailRateLimited, EmailID: email.ID, UserID: email.UserID,
			Sender: email.SenderEmail, Recipient: email.RecipientEmail, At: retryAt,
		})
		return OutcomeRateLimited
	}

	res := d.Sender.Send(work, mailer.Message{
		From:    email.SenderEmail,
		To:      email.RecipientEmail,
		Subject: email.Subject,
		Body:    email.Body,
		ID:      model.JobIDFor(email.ID),
	})

	ev := events.Event{
		EmailID:   email.ID,
		UserID:    email.UserID,
		Sender:    email.SenderEmail,
		Recipient: email.RecipientEmail,
		Attempt:   task.Attempts + 1,
	}
	switch res.Kind {
	case mailer.Success:
		sentAt := d.now()
		ok, err := d.EmailRepo.MarkSent(work, email.ID, token, sentAt)
		switch {
		case err != nil:
			log.Error("email sent but not recorded", logx.Err(err))
		case !ok:
			log.Warn("email sent after its claim lapsed")
		}
		// Completing even when recording failed keeps the send at most once.
		d.settle(log, "complete", d.Queue.Complete(work, task))
		ev.Type, ev.At = events.EmailSent, sentAt
		d.publish(work, log, ev)
		return OutcomeSent

	case mailer.PermanentFailure:
		log.Warn("permanent send failure", logx.Err(res.Err()))
		if _, err := d.EmailRepo.MarkFailed(work, email.ID, res.Reason, d.now()); err != nil {
			log.Error("mark failed", logx.Err(err))
		}
		d.settle(log, "complete", d.Queue.Complete(work, task))
		ev.Type, ev.Reason, ev.At = events.EmailFailed, res.Reason, d.now()
		d.publish(work, log, ev)
		return OutcomeFailed

	default:
		log.Warn("transient send failure", logx.Err(res.Err()))
		if err := d.EmailRepo.RecordAttemptError(work, email.ID, token, res.Reason, d.now()); err != nil {
			log.Error("record attempt error", logx.Err(err))
		}
		return d.failAttempt(work, log, task, email.ID, res.Reason)
	}
}

// failAttempt reports a failed attempt to the queue. When that exhausts the
// task the email is marked failed.
func (d *Dispatcher) failAttempt(ctx context.Context, log logx.Logger, task *queue.Task, emailID int64, reason string) Outcome {
	updated, err := d.Queue.Fail(ctx, task, reason)
	if err != nil {
		d.settle(log, "fail", err)
		return OutcomeRetrying
	}
	if updated.State != queue.StateDead {
		log.Info("retry scheduled", logx.Time("due_at", updated.DueAt), logx.String("reason", reason))
		return OutcomeRetrying
	}

	exhausted := appErrors.NewRetriesExhausted(updated.Attempts, reason)
	log.Warn("task dead-lettered", logx.Err(exhausted))
	if _, err := d.EmailRepo.MarkFailed(ctx, emailID, exhausted.Error(), d.now()); err != nil {
		log.Error("mark failed", logx.Err(err))
	}
	d.publish(ctx, log, events.Event{
		Type:    events.EmailDeadLettered,
		EmailID: emailID,
		Attempt: updated.Attempts,
		Reason:  reason,
		At:      d.now(),
	})
	return OutcomeFailed
}

func (d *Dispatcher) releaseClaim(ctx context.Context, log logx.Logger, emailID int64, token string) {
	if err := d.EmailRepo.ReleaseClaim(ctx, emailID, token); err != nil {
		log.Error("release claim", logx.Err(err))
	}
}

// settle logs the result of a queue mutation. A lost lease means another
// worker already settled the task and is not an error here.
func (d *Dispatcher) settle(log logx.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn("task lease lost", logx.String("op", op))
	default:
		log.Error("queue update failed", logx.String("op", op), logx.Err(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, log logx.Logger, ev events.Event) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Publish(ctx, ev); err != nil {
		log.Warn("publish event failed", logx.String("type", string(ev.Type)), logx.Err(err))
	}
}
