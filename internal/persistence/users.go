package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewUserInput carries a pre-hashed password; the store never sees cleartext.
type NewUserInput struct {
	Email        string
	PasswordHash string
	DisplayName  string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a principal with email_verified = false and active
// status. Case-insensitive email uniqueness is enforced by the store index.
func (s *Store) CreateUser(ctx context.Context, input NewUserInput) (User, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return User{}, errors.New("email required")
	}

	const query = `
        INSERT INTO users (id, email, password_hash, email_verified, display_name, status, created_at, updated_at)
        VALUES ($1, $2, $3, FALSE, $4, $5, NOW(), NOW())
        RETURNING id, email, password_hash, email_verified, display_name, avatar_url, mfa_enabled, status, created_at, updated_at, last_login_at
    `

	var displayName sql.NullString
	if name := strings.TrimSpace(input.DisplayName); name != "" {
		displayName = sql.NullString{String: name, Valid: true}
	}

	var user User
	if err := s.db.GetContext(ctx, &user, query, uuid.New(), email, input.PasswordHash, displayName, StatusActive); err != nil {
		if isUniqueViolation(err, "users_email_unique") {
			return User{}, ErrEmailInUse
		}
		return User{}, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id uuid.UUID) (User, error) {
	const query = `
        SELECT id, email, password_hash, email_verified, display_name, avatar_url, mfa_enabled, status, created_at, updated_at, last_login_at
        FROM users
        WHERE id = $1
    `
	var user User
	if err := s.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
        SELECT id, email, password_hash, email_verified, display_name, avatar_url, mfa_enabled, status, created_at, updated_at, last_login_at
        FROM users
        WHERE LOWER(email) = $1
    `
	var user User
	if err := s.db.GetContext(ctx, &user, query, normalizeEmail(email)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("failed to load user by email: %w", err)
	}
	return user, nil
}

func (s *Store) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE users SET last_login_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	const query = `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id, hash)
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE users SET email_verified = TRUE, updated_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark email verified: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ListUsers returns the most recently created principals, newest first.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const query = `
        SELECT id, email, password_hash, email_verified, display_name, avatar_url, mfa_enabled, status, created_at, updated_at, last_login_at
        FROM users
        ORDER BY created_at DESC
        LIMIT $1
    `
	users := []User{}
	if err := s.db.SelectContext(ctx, &users, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}
