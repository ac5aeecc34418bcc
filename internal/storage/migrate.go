package storage

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationResult reports the schema version after applying migrations.
type MigrationResult struct {
	Version uint
	Dirty   bool
	Changed bool
}

// Migrate applies every pending schema migration to the database at dsn.
func Migrate(dsn string) (MigrationResult, error) {
	return runMigrations(dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown reverts the most recent migration step.
func MigrateDown(dsn string) (MigrationResult, error) {
	return runMigrations(dsn, func(m *migrate.Migrate) error { return m.Steps(-1) })
}

func runMigrations(dsn string, apply func(*migrate.Migrate) error) (MigrationResult, error) {
	url, err := migrationURL(dsn)
	if err != nil {
		return MigrationResult{}, err
	}
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return MigrationResult{}, fmt.Errorf("open migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, url)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("initialise migrations: %w", err)
	}
	defer m.Close()

	result := MigrationResult{Changed: true}
	if err := apply(m); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return MigrationResult{}, fmt.Errorf("apply migrations: %w", err)
		}
		result.Changed = false
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationResult{}, fmt.Errorf("read migration version: %w", err)
	}
	result.Version = version
	result.Dirty = dirty
	return result, nil
}

// migrationURL rewrites a postgres:// DSN to the scheme registered by the
// pgx/v5 migrate driver.
func migrationURL(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(trimmed, prefix) {
			return "pgx5://" + strings.TrimPrefix(trimmed, prefix), nil
		}
	}
	if strings.HasPrefix(trimmed, "pgx5://") {
		return trimmed, nil
	}
	return "", fmt.Errorf("migrations require a postgres:// url dsn")
}
