// internal/service/scheduler_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/unclebandit/email-scheduler/internal/clock"
	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/logx"
	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/ratelimit"
	"github.com/unclebandit/email-scheduler/internal/repository"
)

// DispatchJob is the payload of every queue task.
type DispatchJob struct {
	EmailID int64 `json:"email_id"`
}

func encodeJob(emailID int64) []byte {
	b, _ := json.Marshal(DispatchJob{EmailID: emailID})
	return b
}

// startTimeLayouts are tried in order. Values without an offset are UTC.
var startTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseStartTime accepts RFC 3339 timestamps and the datetime-local form.
func ParseStartTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, appErrors.NewValidation("startTime", "is required")
	}
	for _, layout := range startTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, appErrors.NewValidation("startTime", fmt.Sprintf("cannot parse %q", s))
}

// ScheduleRequest is one batch: the same message to every recipient, spaced
// Delay apart starting at StartTime.
type ScheduleRequest struct {
	UserID     int64
	Sender     string
	Subject    string
	Body       string
	Recipients []string
	StartTime  string
	Delay      time.Duration
}

type SchedulerService struct {
	EmailRepo    repository.EmailRepositoryInterface
	Queue        queue.Queue
	Limiter      *ratelimit.Limiter
	Events       events.Publisher
	Clock        clock.Clock
	Log          logx.Logger
	MaxBatchSize int
}

func (s *SchedulerService) now() time.Time { return clock.Or(s.Clock).Now() }

func (s *SchedulerService) validate(req ScheduleRequest) (time.Time, []string, error) {
	if strings.TrimSpace(req.Sender) == "" {
		return time.Time{}, nil, appErrors.NewValidation("sender", "is required")
	}
	if strings.TrimSpace(req.Subject) == "" {
		return time.Time{}, nil, appErrors.NewValidation("subject", "is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return time.Time{}, nil, appErrors.NewValidation("body", "is required")
	}
	if len(req.Recipients) == 0 {
		return time.Time{}, nil, appErrors.NewValidation("recipients", "must not be empty")
	}
	if s.MaxBatchSize > 0 && len(req.Recipients) > s.MaxBatchSize {
		return time.Time{}, nil, appErrors.NewValidation("recipients", fmt.Sprintf("at most %d per batch", s.MaxBatchSize))
	}
	if req.Delay <= 0 {
		return time.Time{}, nil, appErrors.NewValidation("delayMs", "must be positive")
	}
	start, err := ParseStartTime(req.StartTime)
	if err != nil {
		return time.Time{}, nil, err
	}

	recipients := make([]string, len(req.Recipients))
	for i, r := range req.Recipients {
		addr, err := mail.ParseAddress(strings.TrimSpace(r))
		if err != nil {
			return time.Time{}, nil, appErrors.NewValidation("recipients", fmt.Sprintf("invalid address %q at position %d", r, i))
		}
		recipients[i] = addr.Address
	}
	return start, recipients, nil
}

// ScheduleBatch persists one record per recipient, then admits a delayed
// task for each. Input errors reject the whole batch before anything is
// written. A task that cannot be admitted leaves an orphaned record for the
// reconcile sweep.
func (s *SchedulerService) ScheduleBatch(ctx context.Context, req ScheduleRequest) (*model.BatchResult, error) {
	start, recipients, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	emails := make([]*model.Email, len(recipients))
	for i, to := range recipients {
		emails[i] = &model.Email{
			UserID:         req.UserID,
			SenderEmail:    req.Sender,
			RecipientEmail: to,
			Subject:        req.Subject,
			Body:           req.Body,
			Status:         model.StatusScheduled,
			ScheduledFor:   start.Add(time.Duration(i) * req.Delay),
		}
	}
	if err := s.EmailRepo.CreateBatch(ctx, emails); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	log := s.Log.With(logx.Int64("user_id", req.UserID), logx.String("sender", req.Sender))
	result := &model.BatchResult{Emails: make([]model.ScheduledItem, 0, len(emails))}
	for _, e := range emails {
		item := model.ScheduledItem{ID: e.ID, To: e.RecipientEmail, ScheduledFor: e.ScheduledFor}
		if _, err := s.Queue.Enqueue(ctx, model.JobIDFor(e.ID), e.ScheduledFor, encodeJob(e.ID)); err != nil {
			log.Warn("failed to enqueue email, left for reconcile", logx.Int64("email_id", e.ID), logx.Err(err))
			result.Orphaned++
		} else {
			item.Queued = true
			s.publish(ctx, events.Event{
				Type:      events.EmailScheduled,
				EmailID:   e.ID,
				UserID:    e.UserID,
				Sender:    e.SenderEmail,
				Recipient: e.RecipientEmail,
				At:        e.ScheduledFor,
			})
		}
		result.Emails = append(result.Emails, item)
	}
	result.Scheduled = len(result.Emails)

	log.Info("batch scheduled",
		logx.Int("count", result.Scheduled),
		logx.Int("orphaned", result.Orphaned),
		logx.Time("start", start),
		logx.Duration("delay", req.Delay),
	)
	return result, nil
}

func (s *SchedulerService) publish(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.Log.Warn("publish event failed", logx.String("type", string(ev.Type)), logx.Int64("email_id", ev.EmailID), logx.Err(err))
	}
}

func (s *SchedulerService) ListScheduled(ctx context.Context, userID int64, page repository.Page) ([]model.Email, error) {
	return s.EmailRepo.ListScheduledByUser(ctx, userID, page)
}

func (s *SchedulerService) ListSent(ctx context.Context, userID int64, page repository.Page) ([]model.Email, error) {
	return s.EmailRepo.ListSentByUser(ctx, userID, page)
}

// TaskView is the queue side of an email, for diagnostics.
type TaskView struct {
	Key         string      `json:"key"`
	State       queue.State `json:"state"`
	DueAt       time.Time   `json:"due_at"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"last_error,omitempty"`
}

type EmailDetail struct {
	Email *model.Email `json:"email"`
	Task  *TaskView    `json:"task,omitempty"`
}

// GetEmail returns one of userID's emails with its queue task, if any.
// Emails owned by someone else read as not found.
func (s *SchedulerService) GetEmail(ctx context.Context, userID, emailID int64) (*EmailDetail, error) {
	e, err := s.EmailRepo.GetByID(ctx, emailID)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, appErrors.NewNotFound("email", emailID)
	}

	detail := &EmailDetail{Email: e}
	t, err := s.Queue.Get(ctx, model.JobIDFor(e.ID))
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
	case err != nil:
		return nil, err
	default:
		detail.Task = &TaskView{
			Key:         t.Key,
			State:       t.State,
			DueAt:       t.DueAt,
			Attempts:    t.Attempts,
			MaxAttempts: t.MaxAttempts,
			LastError:   t.LastError,
		}
	}
	return detail, nil
}

type WindowUsage struct {
	Sender      string    `json:"sender"`
	Count       int64     `json:"count"`
	Cap         int64     `json:"cap"`
	WindowStart time.Time `json:"window_start"`
	NextWindow  time.Time `json:"next_window"`
}

type Stats struct {
	Queue  queue.Stats        `json:"queue"`
	Emails model.StatusCounts `json:"emails"`
	Window *WindowUsage       `json:"window,omitempty"`
}

// Stats reports queue state counts plus the caller's own email counts and
// rate window usage.
func (s *SchedulerService) Stats(ctx context.Context, userID int64, sender string) (*Stats, error) {
	qs, err := s.Queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	counts, err := s.EmailRepo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("email counts: %w", err)
	}
	out := &Stats{Queue: qs, Emails: counts}

	if s.Limiter != nil && sender != "" {
		now := s.now()
		n, err := s.Limiter.PeekCount(ctx, sender, now)
		if err != nil {
			return nil, err
		}
		out.Window = &WindowUsage{
			Sender:      sender,
			Count:       n,
			Cap:         s.Limiter.Cap(),
			WindowStart: s.Limiter.WindowStart(now),
			NextWindow:  s.Limiter.NextWindow(now),
		}
	}
	return out, nil
}
