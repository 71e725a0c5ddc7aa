package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/email-scheduler/internal/db"
	appErrors "github.com/unclebandit/email-scheduler/internal/errors"
	"github.com/unclebandit/email-scheduler/internal/model"
)

// EmailRepositoryInterface is the record store the scheduler and the
// dispatcher depend on. Every status change is a single conditional update.
type EmailRepositoryInterface interface {
	// CreateBatch inserts all emails in one transaction, filling in ID,
	// JobID and timestamps. Either every row is written or none is.
	CreateBatch(ctx context.Context, emails []*model.Email) error
	GetByID(ctx context.Context, id int64) (*model.Email, error)

	// Claim takes the single right to send a scheduled email. It fails when
	// the email is terminal or another live claim exists.
	Claim(ctx context.Context, id int64, token string, until, now time.Time) (bool, error)
	ReleaseClaim(ctx context.Context, id int64, token string) error
	// MarkSent moves scheduled -> sent for the claim holder only.
	MarkSent(ctx context.Context, id int64, token string, sentAt time.Time) (bool, error)
	// MarkFailed moves scheduled -> failed. A sent email is never touched.
	MarkFailed(ctx context.Context, id int64, reason string, now time.Time) (bool, error)
	// RecordAttemptError notes a transient failure and drops the claim,
	// leaving the email scheduled.
	RecordAttemptError(ctx context.Context, id int64, token, reason string, now time.Time) error

	ListScheduledByUser(ctx context.Context, userID int64, page Page) ([]model.Email, error)
	ListSentByUser(ctx context.Context, userID int64, page Page) ([]model.Email, error)
	ListStaleScheduled(ctx context.Context, before time.Time, limit int) ([]model.Email, error)
	CountByStatus(ctx context.Context, userID int64) (model.StatusCounts, error)
}

// Page bounds a list query. A zero Limit returns everything.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) clause(argPos int) (string, []any) {
	if p.Limit <= 0 {
		if p.Offset > 0 {
			return fmt.Sprintf(" OFFSET $%d", argPos), []any{p.Offset}
		}
		return "", nil
	}
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1), []any{p.Limit, p.Offset}
}

type EmailRepository struct {
	DB *sql.DB
}

var _ EmailRepositoryInterface = (*EmailRepository)(nil)

const emailColumns = `id, user_id, sender_email, recipient_email, subject, body, status,
        scheduled_for, sent_at, error_message, job_id, attempts, created_at, updated_at`

func scanEmail(row interface{ Scan(...any) error }) (*model.Email, error) {
	var (
		e      model.Email
		sentAt sql.NullTime
		errMsg sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.SenderEmail, &e.RecipientEmail, &e.Subject, &e.Body, &e.Status,
		&e.ScheduledFor, &sentAt, &errMsg, &e.JobID, &e.Attempts, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ScheduledFor = e.ScheduledFor.UTC()
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		e.SentAt = &t
	}
	e.ErrorMessage = errMsg.String
	return &e, nil
}

func (r *EmailRepository) CreateBatch(ctx context.Context, emails []*model.Email) error {
	if len(emails) == 0 {
		return nil
	}
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		insert, err := tx.PrepareContext(ctx, `
            INSERT INTO emails (user_id, sender_email, recipient_email, subject, body, status, scheduled_for)
            VALUES ($1, $2, $3, $4, $5, $6, $7)
            RETURNING id, created_at, updated_at
        `)
		if err != nil {
			return err
		}
		defer insert.Close()

		ids := make([]int64, 0, len(emails))
		jobIDs := make([]string, 0, len(emails))
		for _, e := range emails {
			if e.Status == "" {
				e.Status = model.StatusScheduled
			}
			err := insert.QueryRowContext(ctx,
				e.UserID, e.SenderEmail, e.RecipientEmail, e.Subject, e.Body, e.Status, e.ScheduledFor,
			).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert email for %s: %w", e.RecipientEmail, err)
			}
			e.JobID = model.JobIDFor(e.ID)
			ids = append(ids, e.ID)
			jobIDs = append(jobIDs, e.JobID)
		}

		_, err = tx.ExecContext(ctx, `
            UPDATE emails AS e SET job_id = v.job_id
            FROM unnest($1::bigint[], $2::text[]) AS v(id, job_id)
            WHERE e.id = v.id
        `, pq.Array(ids), pq.Array(jobIDs))
		return err
	})
}

func (r *EmailRepository) GetByID(ctx context.Context, id int64) (*model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`
	e, err := scanEmail(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewNotFound("email", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *EmailRepository) Claim(ctx context.Context, id int64, token string, until, now time.Time) (bool, error) {
	query := `
        UPDATE emails
        SET claimed_by = $2, claimed_until = $3, updated_at = $4
        WHERE id = $1 AND status = 'scheduled'
          AND (claimed_by IS NULL OR claimed_until <= $4)
    `
	return affectedOne(r.DB.ExecContext(ctx, query, id, token, until, now))
}

func (r *EmailRepository) ReleaseClaim(ctx context.Context, id int64, token string) error {
	query := `
        UPDATE emails SET claimed_by = NULL, claimed_until = NULL
        WHERE id = $1 AND claimed_by = $2
    `
	_, err := r.DB.ExecContext(ctx, query, id, token)
	return err
}

func (r *EmailRepository) MarkSent(ctx context.Context, id int64, token string, sentAt time.Time) (bool, error) {
	query := `
        UPDATE emails
        SET status = 'sent', sent_at = $3, error_message = NULL,
            claimed_by = NULL, claimed_until = NULL, updated_at = $3
        WHERE id = $1 AND status = 'scheduled' AND claimed_by = $2
    `
	return affectedOne(r.DB.ExecContext(ctx, query, id, token, sentAt))
}

func (r *EmailRepository) MarkFailed(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	query := `
        UPDATE emails
        SET status = 'failed', error_message = $2, claimed_by = NULL, claimed_until = NULL, updated_at = $3
        WHERE id = $1 AND status = 'scheduled'
    `
	return affectedOne(r.DB.ExecContext(ctx, query, id, reason, now))
}

func (r *EmailRepository) RecordAttemptError(ctx context.Context, id int64, token, reason string, now time.Time) error {
	query := `
        UPDATE emails
        SET error_message = $3, attempts = attempts + 1, claimed_by = NULL, claimed_until = NULL, updated_at = $4
        WHERE id = $1 AND status = 'scheduled' AND claimed_by = $2
    `
	_, err := r.DB.ExecContext(ctx, query, id, token, reason, now)
	return err
}

func (r *EmailRepository) list(ctx context.Context, where, order string, page Page, args ...any) ([]model.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE ` + where + ` ORDER BY ` + order
	clause, pageArgs := page.clause(len(args) + 1)
	query += clause
	args = append(args, pageArgs...)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	emails := []model.Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

func (r *EmailRepository) ListScheduledByUser(ctx context.Context, userID int64, page Page) ([]model.Email, error) {
	return r.list(ctx, `user_id = $1 AND status = 'scheduled'`, `scheduled_for ASC, id ASC`, page, userID)
}

func (r *EmailRepository) ListSentByUser(ctx context.Context, userID int64, page Page) ([]model.Email, error) {
	return r.list(ctx, `user_id = $1 AND status IN ('sent', 'failed')`, `sent_at DESC NULLS LAST, id DESC`, page, userID)
}

func (r *EmailRepository) ListStaleScheduled(ctx context.Context, before time.Time, limit int) ([]model.Email, error) {
	return r.list(ctx, `status = 'scheduled' AND scheduled_for < $1`, `scheduled_for ASC, id ASC`, Page{Limit: limit}, before)
}

func (r *EmailRepository) CountByStatus(ctx context.Context, userID int64) (model.StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM emails WHERE user_id = $1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return model.StatusCounts{}, err
	}
	defer rows.Close()

	var counts model.StatusCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return model.StatusCounts{}, err
		}
		switch status {
		case model.StatusScheduled:
			counts.Scheduled = n
		case model.StatusSent:
			counts.Sent = n
		case model.StatusFailed:
			counts.Failed = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
