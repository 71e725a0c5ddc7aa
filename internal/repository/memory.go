package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/model"
)

// MemoryEmailRepository is an in-process EmailRepositoryInterface with the
// same conditional update rules as EmailRepository.
type MemoryEmailRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*memEmail
}

type memEmail struct {
	email        model.Email
	claimedBy    string
	claimedUntil time.Time
}

var _ EmailRepositoryInterface = (*MemoryEmailRepository)(nil)

func NewMemoryEmailRepository() *MemoryEmailRepository {
	return &MemoryEmailRepository{rows: make(map[int64]*memEmail)}
}

func (r *MemoryEmailRepository) CreateBatch(_ context.Context, emails []*model.Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, e := range emails {
		r.nextID++
		e.ID = r.nextID
		e.JobID = model.JobIDFor(e.ID)
		if e.Status == "" {
			e.Status = model.StatusScheduled
		}
		e.CreatedAt, e.UpdatedAt = now, now
		r.rows[e.ID] = &memEmail{email: *e}
	}
	return nil
}

func (r *MemoryEmailRepository) GetByID(_ context.Context, id int64) (*model.Email, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, appErrors.NewNotFound("email", id)
	}
	e := row.email
	return &e, nil
}

func (r *MemoryEmailRepository) Claim(_ context.Context, id int64, token string, until, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.email.Status != model.StatusScheduled {
		return false, nil
	}
	if row.claimedBy != "" && row.claimedUntil.After(now) {
		return false, nil
	}
	row.claimedBy, row.claimedUntil = token, until
	row.email.UpdatedAt = now
	return true, nil
}

func (r *MemoryEmailRepository) ReleaseClaim(_ context.Context, id int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok && row.claimedBy == token {
		row.claimedBy, row.claimedUntil = "", time.Time{}
	}
	return nil
}

func (r *MemoryEmailRepository) MarkSent(_ context.Context, id int64, token string, sentAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.email.Status != model.StatusScheduled || row.claimedBy != token {
		return false, nil
	}
	sentAt = sentAt.UTC()
	row.email.Status = model.StatusSent
	row.email.SentAt = &sentAt
	row.email.ErrorMessage = ""
	row.email.UpdatedAt = sentAt
	row.claimedBy, row.claimedUntil = "", time.Time{}
	return true, nil
}

func (r *MemoryEmailRepository) MarkFailed(_ context.Context, id int64, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.email.Status != model.StatusScheduled {
		return false, nil
	}
	row.email.Status = model.StatusFailed
	row.email.ErrorMessage = reason
	row.email.UpdatedAt = now
	row.claimedBy, row.claimedUntil = "", time.Time{}
	return true, nil
}

func (r *MemoryEmailRepository) RecordAttemptError(_ context.Context, id int64, token, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.email.Status != model.StatusScheduled || row.claimedBy != token {
		return nil
	}
	row.email.ErrorMessage = reason
	row.email.Attempts++
	row.email.UpdatedAt = now
	row.claimedBy, row.claimedUntil = "", time.Time{}
	return nil
}

func (r *MemoryEmailRepository) list(keep func(model.Email) bool, less func(a, b model.Email) bool, page Page) []model.Email {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Email{}
	for _, row := range r.rows {
		if keep(row.email) {
			out = append(out, row.email)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })

	if page.Offset > 0 {
		if page.Offset >= len(out) {
			return []model.Email{}
		}
		out = out[page.Offset:]
	}
	if page.Limit > 0 && len(out) > page.Limit {
		out = out[:page.Limit]
	}
	return out
}

func scheduledFirst(a, b model.Email) bool {
	if a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ID < b.ID
	}
	return a.ScheduledFor.Before(b.ScheduledFor)
}

// recentlySentFirst orders by sent_at descending with unsent rows last.
func recentlySentFirst(a, b model.Email) bool {
	switch {
	case a.SentAt == nil && b.SentAt == nil:
		return a.ID > b.ID
	case a.SentAt == nil:
		return false
	case b.SentAt == nil:
		return true
	case a.SentAt.Equal(*b.SentAt):
		return a.ID > b.ID
	}
	return a.SentAt.After(*b.SentAt)
}

func (r *MemoryEmailRepository) ListScheduledByUser(_ context.Context, userID int64, page Page) ([]model.Email, error) {
	return r.list(func(e model.Email) bool {
		return e.UserID == userID && e.Status == model.StatusScheduled
	}, scheduledFirst, page), nil
}

func (r *MemoryEmailRepository) ListSentByUser(_ context.Context, userID int64, page Page) ([]model.Email, error) {
	return r.list(func(e model.Email) bool {
		return e.UserID == userID && e.IsTerminal()
	}, recentlySentFirst, page), nil
}

func (r *MemoryEmailRepository) ListStaleScheduled(_ context.Context, before time.Time, limit int) ([]model.Email, error) {
	return r.list(func(e model.Email) bool {
		return e.Status == model.StatusScheduled && e.ScheduledFor.Before(before)
	}, scheduledFirst, Page{Limit: limit}), nil
}

func (r *MemoryEmailRepository) CountByStatus(_ context.Context, userID int64) (model.StatusCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c model.StatusCounts
	for _, row := range r.rows {
		if row.email.UserID != userID {
			continue
		}
		switch row.email.Status {
		case model.StatusScheduled:
			c.Scheduled++
		case model.StatusSent:
			c.Sent++
		case model.StatusFailed:
			c.Failed++
		}
		c.Total++
	}
	return c, nil
}

// Len is the number of stored emails.
func (r *MemoryEmailRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// MemoryUserRepository is an in-process UserRepositoryInterface.
type MemoryUserRepository struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]model.User
}

var _ UserRepositoryInterface = (*MemoryUserRepository)(nil)

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[int64]model.User)}
}

func (r *MemoryUserRepository) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, appErrors.NewNotFound("user", id)
	}
	return &u, nil
}

func (r *MemoryUserRepository) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, appErrors.NewNotFound("user", 0)
}

func (r *MemoryUserRepository) Upsert(_ context.Context, email, name string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for id, u := range r.users {
		if u.Email == email {
			u.Name = name
			r.users[id] = u
			return &u, nil
		}
	}
	r.nextID++
	u := model.User{ID: r.nextID, Email: email, Name: name, CreatedAt: time.Now().UTC()}
	r.users[u.ID] = u
	return &u, nil
}

func (r *MemoryUserRepository) ListAll(_ context.Context) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
