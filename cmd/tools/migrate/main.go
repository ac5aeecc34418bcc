// Command migrate applies or reverts the Postgres schema migrations.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

func main() {
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	direction := flag.String("direction", "up", "up applies pending migrations, down reverts the latest one")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: "text"})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("RELAYCAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, RELAYCAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	apply, err := migration(*direction)
	if err != nil {
		logger.Error("invalid direction", "error", err)
		os.Exit(2)
	}
	result, err := apply(dsn)
	if err != nil {
		logger.Error("migration failed", "direction", *direction, "error", err)
		os.Exit(1)
	}
	logger.Info("migration finished",
		"direction", *direction,
		"version", result.Version,
		"dirty", result.Dirty,
		"changed", result.Changed,
	)
}

func migration(direction string) (func(string) (storage.MigrationResult, error), error) {
	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", "up":
		return storage.Migrate, nil
	case "down":
		return storage.MigrateDown, nil
	default:
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
}
