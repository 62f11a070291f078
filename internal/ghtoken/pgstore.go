package ghtoken

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/activity-sync/internal/apperr"
)

// PGStore is the Postgres-backed Store, grounded on the same
// pgxpool.Pool the activity.Repository uses.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore over an already-configured pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, org string) (StoredToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token, expires_at, scopes
		FROM github_oauth_tokens WHERE organization_id = $1`, org)
	var tok StoredToken
	if err := row.Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt, &tok.Scopes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StoredToken{}, apperr.NotFound("no github_oauth_tokens row for org")
		}
		return StoredToken{}, apperr.Internal("fetch github oauth token", err)
	}
	return tok, nil
}

func (s *PGStore) Put(ctx context.Context, org string, tok StoredToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO github_oauth_tokens (organization_id, access_token, refresh_token, expires_at, scopes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes`,
		org, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scopes)
	if err != nil {
		return apperr.Internal("persist github oauth token", err)
	}
	return nil
}
