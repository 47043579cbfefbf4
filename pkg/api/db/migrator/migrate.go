// Package migrator applies the embedded schema migrations to the accounts DB.
package migrator

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrMigration wraps every migration failure so callers can treat them as one
// startup error class.
var ErrMigration = errors.New("db migration failed")

// Migrator applies the schema migrations shipped in the binary.
type Migrator struct {
	logger    *slog.Logger
	srcDriver source.Driver
}

// New returns a Migrator reading migration files from the embedded dirName.
func New(sqlFiles embed.FS, dirName string, logger *slog.Logger) (*Migrator, error) {
	d, err := iofs.New(sqlFiles, dirName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMigration, err)
	}

	return &Migrator{
		logger:    logger,
		srcDriver: d,
	}, nil
}

// ApplyMigrations brings db to the latest schema version. Already applied
// migrations are a no-op, a dirty version from an earlier crash is an error
// and needs manual intervention.
func (m *Migrator) ApplyMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("%w: unable to create db instance: %w", ErrMigration, err)
	}

	migrator, err := migrate.NewWithInstance("iofs", m.srcDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("%w: unable to create migrate instance: %w", ErrMigration, err)
	}

	m.logger.Info("Applying DB migrations")

	if err = migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: %w", ErrMigration, err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return fmt.Errorf("%w: unable to get schema version: %w", ErrMigration, err)
	}

	if dirty {
		return fmt.Errorf("%w: schema version %d is dirty", ErrMigration, version)
	}

	m.logger.Debug("Current DB schema version", "version", version)

	return nil
}
