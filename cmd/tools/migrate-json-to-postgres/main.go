// Command migrate-json-to-postgres copies broadcasts, VoDs and access tokens
// from a JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"relaycast/internal/observability/logging"
	"relaycast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/relaycast.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	skipSchema := flag.Bool("skip-schema", false, "do not apply schema migrations before copying")
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

	ctx := context.Background()
	source, err := storage.NewJSONRepository(*jsonPath)
	if err != nil {
		logger.Error("failed to open JSON datastore", "error", err)
		os.Exit(1)
	}

	if !*skipSchema {
		result, err := storage.Migrate(dsn)
		if err != nil {
			logger.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		logger.Info("schema ready", "version", result.Version)
	}

	target, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = target.Close(context.Background())
	}()

	counts, err := copyCatalog(ctx, source, target)
	if err != nil {
		logger.Error("failed to copy datastore", "error", err)
		os.Exit(1)
	}
	if err := verifyCounts(ctx, target, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "broadcasts", counts.Broadcasts, "vods", counts.VoDs, "tokens", counts.Tokens)
}

type copyCounts struct {
	Broadcasts int64
	VoDs       int64
	Tokens     int64
}

// copyCatalog pages through src and writes every record to dst.
func copyCatalog(ctx context.Context, src, dst storage.Repository) (copyCounts, error) {
	var counts copyCounts
	for offset := 0; ; offset += storage.MaxItemInOneList {
		page, err := src.ListBroadcasts(ctx, offset, storage.MaxItemInOneList)
		if err != nil {
			return counts, fmt.Errorf("list broadcasts at %d: %w", offset, err)
		}
		for _, b := range page {
			if err := dst.SaveBroadcast(ctx, b); err != nil {
				return counts, fmt.Errorf("save broadcast %s: %w", b.StreamID, err)
			}
			counts.Broadcasts++
			n, err := copyTokens(ctx, src, dst, b.StreamID)
			if err != nil {
				return counts, err
			}
			counts.Tokens += n
		}
		if len(page) < storage.MaxItemInOneList {
			break
		}
	}
	for offset := 0; ; offset += storage.MaxItemInOneList {
		page, err := src.ListVoDs(ctx, offset, storage.MaxItemInOneList)
		if err != nil {
			return counts, fmt.Errorf("list vods at %d: %w", offset, err)
		}
		for _, v := range page {
			if err := dst.AddVoD(ctx, v); err != nil {
				return counts, fmt.Errorf("save vod %s: %w", v.VoDID, err)
			}
			counts.VoDs++
		}
		if len(page) < storage.MaxItemInOneList {
			break
		}
	}
	return counts, nil
}

func copyTokens(ctx context.Context, src, dst storage.Repository, streamID string) (int64, error) {
	var copied int64
	for offset := 0; ; offset += storage.MaxItemInOneList {
		page, err := src.ListTokens(ctx, streamID, offset, storage.MaxItemInOneList)
		if err != nil {
			return copied, fmt.Errorf("list tokens of %s: %w", streamID, err)
		}
		for _, token := range page {
			if err := dst.SaveToken(ctx, token); err != nil {
				return copied, fmt.Errorf("save token of %s: %w", streamID, err)
			}
			copied++
		}
		if len(page) < storage.MaxItemInOneList {
			return copied, nil
		}
	}
}

func verifyCounts(ctx context.Context, dst storage.Repository, counts copyCounts) error {
	broadcasts, err := dst.BroadcastCount(ctx)
	if err != nil {
		return fmt.Errorf("count broadcasts: %w", err)
	}
	if broadcasts < counts.Broadcasts {
		return fmt.Errorf("mismatch for broadcasts: expected at least %d, got %d", counts.Broadcasts, broadcasts)
	}
	vods, err := dst.TotalVoDs(ctx)
	if err != nil {
		return fmt.Errorf("count vods: %w", err)
	}
	if vods < counts.VoDs {
		return fmt.Errorf("mismatch for vods: expected at least %d, got %d", counts.VoDs, vods)
	}
	return nil
}
