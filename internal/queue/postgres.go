package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/email-scheduler/internal/clock"
)

// PostgresQueue stores tasks in delayed_tasks. Checkout uses
// FOR UPDATE SKIP LOCKED so any number of worker processes can share it.
type PostgresQueue struct {
	DB    *sql.DB
	opts  Options
	clock clock.Clock
}

var _ Queue = (*PostgresQueue)(nil)

func NewPostgresQueue(db *sql.DB, opts Options, clk clock.Clock) *PostgresQueue {
	return &PostgresQueue{DB: db, opts: opts.withDefaults(), clock: clock.Or(clk)}
}

const taskColumns = `id, task_key, payload, state, due_at, attempts, max_attempts,
        lease_token, locked_by, lease_until, last_error, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		state      string
		leaseToken sql.NullString
		lockedBy   sql.NullString
		leaseUntil sql.NullTime
		lastError  sql.NullString
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Key, &t.Payload, &state, &t.DueAt, &t.Attempts, &t.MaxAttempts,
		&leaseToken, &lockedBy, &leaseUntil, &lastError, &t.CreatedAt, &t.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = State(state)
	t.DueAt = t.DueAt.UTC()
	t.LeaseToken = leaseToken.String
	t.LockedBy = lockedBy.String
	if leaseUntil.Valid {
		t.LeaseUntil = leaseUntil.Time.UTC()
	}
	t.LastError = lastError.String
	if finishedAt.Valid {
		f := finishedAt.Time.UTC()
		t.FinishedAt = &f
	}
	return &t, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, key string, due time.Time, payload []byte) (*Task, error) {
	now := q.clock.Now()
	query := `
        INSERT INTO delayed_tasks (task_key, payload, state, due_at, attempts, max_attempts, created_at, updated_at)
        VALUES ($1, $2, 'pending', $3, 0, $4, $5, $5)
        ON CONFLICT (task_key) DO UPDATE SET
            payload = EXCLUDED.payload,
            state = 'pending',
            due_at = EXCLUDED.due_at,
            attempts = 0,
            max_attempts = EXCLUDED.max_attempts,
            lease_token = NULL,
            locked_by = NULL,
            lease_until = NULL,
            last_error = NULL,
            finished_at = NULL,
            updated_at = EXCLUDED.updated_at
        WHERE delayed_tasks.state IN ('completed', 'dead')
        RETURNING ` + taskColumns

	t, err := scanTask(q.DB.QueryRowContext(ctx, query, key, string(payload), due.UTC(), q.opts.MaxAttempts, now))
	if errors.Is(err, sql.ErrNoRows) {
		// A live task already owns the key.
		return q.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", key, err)
	}
	return t, nil
}

func (q *PostgresQueue) Take(ctx context.Context, worker string) (*Task, error) {
	now := q.clock.Now()
	query := `
        UPDATE delayed_tasks
        SET state = 'checked_out', lease_token = $1, locked_by = $2, lease_until = $3, updated_at = $4
        WHERE id = (
            SELECT id FROM delayed_tasks
            WHERE (state = 'pending' AND due_at <= $4)
               OR (state = 'checked_out' AND lease_until <= $4)
            ORDER BY due_at ASC, id ASC
            FOR UPDATE SKIP LOCKED
            LIMIT 1
        )
        RETURNING ` + taskColumns

	t, err := scanTask(q.DB.QueryRowContext(ctx, query, uuid.NewString(), worker, now.Add(q.opts.LeaseTimeout), now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take task: %w", err)
	}
	return t, nil
}

// settleLeased runs a lease-fenced update and maps "no row" to the right
// sentinel.
func (q *PostgresQueue) settleLeased(ctx context.Context, t *Task, query string, args ...any) (*Task, error) {
	updated, err := scanTask(q.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := q.Get(ctx, t.Key); errors.Is(getErr, ErrTaskNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, ErrLeaseLost
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, t *Task) error {
	now := q.clock.Now()
	query := `
        UPDATE delayed_tasks
        SET state = 'completed', lease_token = NULL, locked_by = NULL, lease_until = NULL,
            finished_at = $3, updated_at = $3
        WHERE task_key = $1 AND state = 'checked_out' AND lease_token = $2
        RETURNING ` + taskColumns
	_, err := q.settleLeased(ctx, t, query, t.Key, t.LeaseToken, now)
	return err
}

func (q *PostgresQueue) Fail(ctx context.Context, t *Task, cause string) (*Task, error) {
	now := q.clock.Now()
	attempts := t.Attempts + 1

	if attempts >= t.MaxAttempts {
		query := `
            UPDATE delayed_tasks
            SET state = 'dead', attempts = $3, last_error = $4, lease_token = NULL, locked_by = NULL,
                lease_until = NULL, finished_at = $5, updated_at = $5
            WHERE task_key = $1 AND state = 'checked_out' AND lease_token = $2
            RETURNING ` + taskColumns
		return q.settleLeased(ctx, t, query, t.Key, t.LeaseToken, attempts, cause, now)
	}

	query := `
        UPDATE delayed_tasks
        SET state = 'pending', attempts = $3, last_error = $4, due_at = $5, lease_token = NULL,
            locked_by = NULL, lease_until = NULL, updated_at = $6
        WHERE task_key = $1 AND state = 'checked_out' AND lease_token = $2
        RETURNING ` + taskColumns
	due := now.Add(q.opts.Backoff.Delay(attempts))
	return q.settleLeased(ctx, t, query, t.Key, t.LeaseToken, attempts, cause, due, now)
}

func (q *PostgresQueue) Reschedule(ctx context.Context, t *Task, due time.Time) error {
	query := `
        UPDATE delayed_tasks
        SET state = 'pending', due_at = $3, lease_token = NULL, locked_by = NULL, lease_until = NULL,
            updated_at = $4
        WHERE task_key = $1 AND state = 'checked_out' AND lease_token = $2
        RETURNING ` + taskColumns
	_, err := q.settleLeased(ctx, t, query, t.Key, t.LeaseToken, due.UTC(), q.clock.Now())
	return err
}

func (q *PostgresQueue) Bury(ctx context.Context, t *Task, reason string) error {
	now := q.clock.Now()
	query := `
        UPDATE delayed_tasks
        SET state = 'dead', last_error = $3, lease_token = NULL, locked_by = NULL, lease_until = NULL,
            finished_at = $4, updated_at = $4
        WHERE task_key = $1 AND state = 'checked_out' AND lease_token = $2
        RETURNING ` + taskColumns
	_, err := q.settleLeased(ctx, t, query, t.Key, t.LeaseToken, reason, now)
	return err
}

func (q *PostgresQueue) Get(ctx context.Context, key string) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM delayed_tasks WHERE task_key = $1`
	t, err := scanTask(q.DB.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", key, err)
	}
	return t, nil
}

func (q *PostgresQueue) ListDead(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
        SELECT ` + taskColumns + `
        FROM delayed_tasks
        WHERE state = 'dead'
        ORDER BY finished_at DESC, id DESC
        LIMIT $1`
	rows, err := q.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (q *PostgresQueue) Prune(ctx context.Context, policy RetentionPolicy) (int64, error) {
	now := q.clock.Now()
	var total int64

	exec := func(query string, args ...any) error {
		res, err := q.DB.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	}

	if policy.KeepCompletedFor > 0 {
		err := exec(`DELETE FROM delayed_tasks WHERE state = 'completed' AND finished_at < $1`,
			now.Add(-policy.KeepCompletedFor))
		if err != nil {
			return total, fmt.Errorf("prune completed by age: %w", err)
		}
	}

	keepNewest := `
        DELETE FROM delayed_tasks
        WHERE id IN (
            SELECT id FROM delayed_tasks
            WHERE state = $1
            ORDER BY finished_at DESC, id DESC
            OFFSET $2
        )`
	if policy.KeepCompleted >= 0 {
		if err := exec(keepNewest, string(StateCompleted), policy.KeepCompleted); err != nil {
			return total, fmt.Errorf("prune completed by count: %w", err)
		}
	}
	if policy.KeepDead >= 0 {
		if err := exec(keepNewest, string(StateDead), policy.KeepDead); err != nil {
			return total, fmt.Errorf("prune dead by count: %w", err)
		}
	}
	return total, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	query := `
        SELECT state, COUNT(*), COUNT(*) FILTER (WHERE state = 'pending' AND due_at <= $1)
        FROM delayed_tasks
        GROUP BY state`
	rows, err := q.DB.QueryContext(ctx, query, q.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var (
			state        string
			count, ready int
		)
		if err := rows.Scan(&state, &count, &ready); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StatePending:
			s.Pending = count
			s.Ready = ready
		case StateCheckedOut:
			s.CheckedOut = count
		case StateCompleted:
			s.Completed = count
		case StateDead:
			s.Dead = count
		}
	}
	return s, rows.Err()
}
