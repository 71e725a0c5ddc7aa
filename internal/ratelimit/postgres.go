package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresCounterStore keeps window counters in the rate_counters table so
// every worker process shares one count per sender.
type PostgresCounterStore struct {
	DB *sql.DB
}

var _ CounterStore = (*PostgresCounterStore)(nil)

func (s *PostgresCounterStore) Incr(ctx context.Context, key string, ttl time.Duration, now time.Time) (int64, error) {
	query := `
        INSERT INTO rate_counters (counter_key, count, expires_at)
        VALUES ($1, 1, $2)
        ON CONFLICT (counter_key) DO UPDATE SET
            count = CASE WHEN rate_counters.expires_at <= $3 THEN 1 ELSE rate_counters.count + 1 END,
            expires_at = CASE WHEN rate_counters.expires_at <= $3 THEN EXCLUDED.expires_at ELSE rate_counters.expires_at END
        RETURNING count
    `
	var n int64
	err := s.DB.QueryRowContext(ctx, query, key, now.Add(ttl), now).Scan(&n)
	return n, err
}

func (s *PostgresCounterStore) Decr(ctx context.Context, key string, now time.Time) (int64, error) {
	query := `
        UPDATE rate_counters
        SET count = GREATEST(count - 1, 0)
        WHERE counter_key = $1 AND expires_at > $2
        RETURNING count
    `
	var n int64
	err := s.DB.QueryRowContext(ctx, query, key, now).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *PostgresCounterStore) Get(ctx context.Context, key string, now time.Time) (int64, error) {
	query := `SELECT count FROM rate_counters WHERE counter_key = $1 AND expires_at > $2`
	var n int64
	err := s.DB.QueryRowContext(ctx, query, key, now).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// SweepExpired deletes counters whose window has passed.
func (s *PostgresCounterStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PostgresSlotStore hands out dispatch slots from the dispatch_slots table.
type PostgresSlotStore struct {
	DB *sql.DB
}

var _ SlotStore = (*PostgresSlotStore)(nil)

func (s *PostgresSlotStore) Reserve(ctx context.Context, name string, interval time.Duration, now time.Time) (time.Time, error) {
	query := `
        INSERT INTO dispatch_slots (name, next_slot)
        VALUES ($1, $2::timestamptz + ($3::bigint * INTERVAL '1 microsecond'))
        ON CONFLICT (name) DO UPDATE SET
            next_slot = GREATEST(dispatch_slots.next_slot, $2::timestamptz) + ($3::bigint * INTERVAL '1 microsecond')
        RETURNING next_slot - ($3::bigint * INTERVAL '1 microsecond')
    `
	var slot time.Time
	err := s.DB.QueryRowContext(ctx, query, name, now, interval.Microseconds()).Scan(&slot)
	return slot.UTC(), err
}
