package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ReplaceEmailVerificationToken deletes any prior verification token for the
// principal and inserts the new one, keeping at most one active record.
func (s *Store) ReplaceEmailVerificationToken(ctx context.Context, rec EmailVerificationToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM email_verification_tokens WHERE user_id = $1`, rec.UserID); err != nil {
		return fmt.Errorf("failed to clear prior verification tokens: %w", err)
	}

	const insert = `
        INSERT INTO email_verification_tokens (id, user_id, token, email, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
    `
	if _, err = tx.ExecContext(ctx, insert, rec.ID, rec.UserID, rec.Token, rec.Email, rec.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store verification token: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ConsumeEmailVerificationToken resolves an unexpired token to its principal
// and deletes the record in the same statement, making the token single-use.
func (s *Store) ConsumeEmailVerificationToken(ctx context.Context, token string) (uuid.UUID, error) {
	const query = `
        DELETE FROM email_verification_tokens
        WHERE token = $1 AND expires_at > NOW()
        RETURNING user_id
    `
	var userID uuid.UUID
	if err := s.db.GetContext(ctx, &userID, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrLifecycleTokenNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	return userID, nil
}

// ReplacePasswordResetToken removes any unused reset token for the principal
// before inserting, so at most one is active at issuance time. Used tokens
// are kept so that replay is detectable.
func (s *Store) ReplacePasswordResetToken(ctx context.Context, rec PasswordResetToken) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE user_id = $1 AND used_at IS NULL`, rec.UserID); err != nil {
		return fmt.Errorf("failed to clear prior reset tokens: %w", err)
	}

	const insert = `
        INSERT INTO password_reset_tokens (id, user_id, token, expires_at, created_at)
        VALUES ($1, $2, $3, $4, NOW())
    `
	if _, err = tx.ExecContext(ctx, insert, rec.ID, rec.UserID, rec.Token, rec.ExpiresAt); err != nil {
		return fmt.Errorf("failed to store reset token: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// GetPasswordResetToken returns the record whatever its state; the service
// decides how used and expired records fail, keeping the outward reason
// opaque while the internal causes stay distinguishable.
func (s *Store) GetPasswordResetToken(ctx context.Context, token string) (PasswordResetToken, error) {
	const query = `
        SELECT id, user_id, token, expires_at, used_at, created_at
        FROM password_reset_tokens
        WHERE token = $1
    `
	var rec PasswordResetToken
	if err := s.db.GetContext(ctx, &rec, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PasswordResetToken{}, ErrLifecycleTokenNotFound
		}
		return PasswordResetToken{}, fmt.Errorf("failed to load reset token: %w", err)
	}
	return rec, nil
}

// MarkPasswordResetTokenUsed sets used_at once. The IS NULL guard makes the
// transition monotonic; a second attempt reports the token as gone.
func (s *Store) MarkPasswordResetTokenUsed(ctx context.Context, id uuid.UUID) error {
	const query = `
        UPDATE password_reset_tokens
        SET used_at = NOW()
        WHERE id = $1 AND used_at IS NULL
    `
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark reset token used: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return ErrLifecycleTokenNotFound
	}
	return nil
}
