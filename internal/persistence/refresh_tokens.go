package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// InsertRefreshToken persists a continuation-token record. Only the hash of
// the bearer value is ever stored.
func (s *Store) InsertRefreshToken(ctx context.Context, rec RefreshToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	const query = `
        INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
        VALUES ($1, $2, $3, $4, NOW())
    `
	if _, err := s.db.ExecContext(ctx, query, rec.ID, rec.UserID, rec.TokenHash, rec.ExpiresAt); err != nil {
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return nil
}

// GetActiveRefreshToken looks up a live record by bearer hash. Revoked and
// expired records are indistinguishable from absent ones.
func (s *Store) GetActiveRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	const query = `
        SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
        FROM refresh_tokens
        WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > NOW()
    `
	var rec RefreshToken
	if err := s.db.GetContext(ctx, &rec, query, tokenHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrRefreshTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("failed to load refresh token: %w", err)
	}
	return rec, nil
}

// RevokeRefreshToken consumes a record. The WHERE revoked_at IS NULL guard
// makes rotation linearizable: when two rotations race, exactly one update
// affects a row and the loser gets ErrRefreshTokenNotFound.
func (s *Store) RevokeRefreshToken(ctx context.Context, id uuid.UUID) error {
	const query = `
        UPDATE refresh_tokens
        SET revoked_at = NOW()
        WHERE id = $1 AND revoked_at IS NULL
    `
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return ErrRefreshTokenNotFound
	}
	return nil
}

// RevokeAllRefreshTokens is the logout-everywhere primitive. It also runs
// after password changes so stolen sessions do not outlive the credential.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error {
	const query = `
        UPDATE refresh_tokens
        SET revoked_at = NOW()
        WHERE user_id = $1 AND revoked_at IS NULL
    `
	if _, err := s.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	return nil
}
