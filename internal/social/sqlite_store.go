package social

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"relaycast/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS social_credentials (
	id               TEXT PRIMARY KEY,
	service_name     TEXT NOT NULL,
	account_name     TEXT NOT NULL DEFAULT '',
	account_type     TEXT NOT NULL DEFAULT '',
	access_token     TEXT NOT NULL DEFAULT '',
	refresh_token    TEXT NOT NULL DEFAULT '',
	token_type       TEXT NOT NULL DEFAULT '',
	expire_seconds   INTEGER NOT NULL DEFAULT 0,
	auth_time_millis INTEGER NOT NULL DEFAULT 0
)`

// SQLiteCredentialStore keeps authorized accounts in a local SQLite file.
// Tokens are sealed before they are written when a Sealer is configured.
type SQLiteCredentialStore struct {
	db     *sql.DB
	sealer *Sealer
}

// NewSQLiteCredentialStore opens (or creates) the database at path.
func NewSQLiteCredentialStore(ctx context.Context, path string, sealer *Sealer) (*SQLiteCredentialStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite credential store path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create social_credentials: %w", err)
	}
	return &SQLiteCredentialStore{db: db, sealer: sealer}, nil
}

func (s *SQLiteCredentialStore) Save(ctx context.Context, creds models.SocialEndpointCredentials) error {
	access, err := s.sealer.Seal(creds.AccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.sealer.Seal(creds.RefreshToken)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO social_credentials (id, service_name, account_name, account_type, access_token, refresh_token, token_type, expire_seconds, auth_time_millis)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	service_name = excluded.service_name,
	account_name = excluded.account_name,
	account_type = excluded.account_type,
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	token_type = excluded.token_type,
	expire_seconds = excluded.expire_seconds,
	auth_time_millis = excluded.auth_time_millis`,
		creds.ID, creds.ServiceName, creds.AccountName, creds.AccountType,
		access, refresh, creds.TokenType, creds.ExpireTimeInSeconds, creds.AuthTimeInMillis)
	if err != nil {
		return fmt.Errorf("save credentials %s: %w", creds.ID, err)
	}
	return nil
}

func (s *SQLiteCredentialStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM social_credentials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete credentials %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteCredentialStore) List(ctx context.Context) ([]models.SocialEndpointCredentials, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, service_name, account_name, account_type, access_token, refresh_token, token_type, expire_seconds, auth_time_millis
FROM social_credentials ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []models.SocialEndpointCredentials
	for rows.Next() {
		var creds models.SocialEndpointCredentials
		if err := rows.Scan(&creds.ID, &creds.ServiceName, &creds.AccountName, &creds.AccountType,
			&creds.AccessToken, &creds.RefreshToken, &creds.TokenType, &creds.ExpireTimeInSeconds, &creds.AuthTimeInMillis); err != nil {
			return nil, fmt.Errorf("scan credentials: %w", err)
		}
		if creds.AccessToken, err = s.sealer.Open(creds.AccessToken); err != nil {
			return nil, fmt.Errorf("credentials %s: %w", creds.ID, err)
		}
		if creds.RefreshToken, err = s.sealer.Open(creds.RefreshToken); err != nil {
			return nil, fmt.Errorf("credentials %s: %w", creds.ID, err)
		}
		out = append(out, creds)
	}
	return out, rows.Err()
}

func (s *SQLiteCredentialStore) Close() error {
	return s.db.Close()
}
