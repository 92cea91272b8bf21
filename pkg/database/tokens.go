package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveToken stores OAuth credentials for a provider, replacing any previous
// row.  Unlike tiles, the newest token always wins.
func (db *Database) SaveToken(ctx context.Context, tok AuthToken) error {
	if tok.Provider == "" {
		return fmt.Errorf("token provider required")
	}
	if tok.UpdatedAt == 0 {
		tok.UpdatedAt = time.Now().Unix()
	}

	var query string
	switch db.Driver {
	case "pgx":
		query = `
INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, athlete_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (provider) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	athlete_id = excluded.athlete_id,
	updated_at = excluded.updated_at`
	case "genji":
		query = `
INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, athlete_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO REPLACE`
	case "duckdb":
		query = `
INSERT OR REPLACE INTO oauth_tokens (provider, access_token, refresh_token, expires_at, athlete_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	default: // sqlite, chai
		query = `
INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, athlete_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (provider) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	expires_at = excluded.expires_at,
	athlete_id = excluded.athlete_id,
	updated_at = excluded.updated_at`
	}

	if _, err := db.DB.ExecContext(ctx, query,
		tok.Provider, tok.AccessToken, tok.RefreshToken,
		tok.ExpiresAt, tok.AthleteID, tok.UpdatedAt); err != nil {
		return fmt.Errorf("save %s token: %w", tok.Provider, err)
	}
	return nil
}

// LoadToken fetches the stored credentials for a provider.  The boolean is
// false when none were ever saved, which is not an error.
func (db *Database) LoadToken(ctx context.Context, provider string) (AuthToken, bool, error) {
	ph := newPlaceholderGenerator(db.Driver)
	query := fmt.Sprintf(`
SELECT provider, access_token, refresh_token, expires_at, athlete_id, updated_at
FROM oauth_tokens WHERE provider = %s`, ph())

	var (
		tok             AuthToken
		access, refresh sql.NullString
	)
	err := db.DB.QueryRowContext(ctx, query, provider).Scan(
		&tok.Provider, &access, &refresh, &tok.ExpiresAt, &tok.AthleteID, &tok.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AuthToken{}, false, nil
	}
	if err != nil {
		return AuthToken{}, false, fmt.Errorf("load %s token: %w", provider, err)
	}

	tok.AccessToken = access.String
	tok.RefreshToken = refresh.String
	return tok, true, nil
}
