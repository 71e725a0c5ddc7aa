package db

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/httpfs"

	"github.com/unclebandit/email-scheduler/internal/logx"
)

// LatestMigrationVersion must be bumped with every new migration file.
const LatestMigrationVersion uint = 1

//go:embed migrations/*.sql
var migrationFS embed.FS

var ErrMigrationDowngrade = errors.New("database downgrade detected")

// migrationLogger adapts logx to migrate.Logger.
type migrationLogger struct {
	log logx.Logger
}

func (m *migrationLogger) Printf(format string, v ...any) {
	format = strings.TrimRight(format, "\n")
	m.log.Info(fmt.Sprintf(format, v...))
}

func (m *migrationLogger) Verbose() bool { return false }

// Migrate applies all embedded up migrations.
func Migrate(conn *sql.DB, log logx.Logger) error {
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	src, err := httpfs.New(http.FS(migrationFS), "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("migrations", src, "postgres", driver)
	if err != nil {
		return err
	}
	m.Log = &migrationLogger{log: log}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d, manual intervention required", version)
	}
	if version > LatestMigrationVersion {
		return fmt.Errorf("%w: db_version=%d latest=%d", ErrMigrationDowngrade, version, LatestMigrationVersion)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, _, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.Info("database schema ready", logx.Int64("version", int64(version)))
	return nil
}
