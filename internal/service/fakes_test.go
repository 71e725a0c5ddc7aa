package service

import (
	"context"
	"errors"
	"time"

	"github.com/unclebandit/email-scheduler/internal/model"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/repository"
)

// flakyQueue fails Enqueue for the listed keys.
type flakyQueue struct {
	queue.Queue
	failKeys map[string]bool
}

func (q *flakyQueue) Enqueue(ctx context.Context, key string, due time.Time, payload []byte) (*queue.Task, error) {
	if q.failKeys[key] {
		return nil, errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, key, due, payload)
}

// brokenRepo fails the configured operations.
type brokenRepo struct {
	repository.EmailRepositoryInterface
	getErr    error
	createErr error
}

func (r *brokenRepo) GetByID(ctx context.Context, id int64) (*model.Email, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.EmailRepositoryInterface.GetByID(ctx, id)
}

func (r *brokenRepo) CreateBatch(ctx context.Context, emails []*model.Email) error {
	if r.createErr != nil {
		return r.createErr
	}
	return r.EmailRepositoryInterface.CreateBatch(ctx, emails)
}
