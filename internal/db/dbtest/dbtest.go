// Package dbtest opens a migrated Postgres database for integration tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/email-scheduler/internal/db"
	"github.com/unclebandit/email-scheduler/internal/logx"
)

// EnvURL names the variable holding the test database DSN.
const EnvURL = "TEST_DATABASE_URL"

// Open returns a connection to a freshly truncated, migrated database, or
// skips the test when no database is configured.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skipf("%s not set, skipping postgres test", EnvURL)
	}

	conn, err := db.Open(context.Background(), dsn, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, db.Migrate(conn, logx.Nop()))
	_, err = conn.Exec(`TRUNCATE dispatch_slots, rate_counters, delayed_tasks, emails, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return conn
}

// CreateUser inserts a sender account and returns its id.
func CreateUser(t *testing.T, conn *sql.DB, email string) int64 {
	t.Helper()
	var id int64
	err := conn.QueryRow(`INSERT INTO users (email, name) VALUES ($1, $2) RETURNING id`, email, email).Scan(&id)
	require.NoError(t, err)
	return id
}
