package persistence

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
)

// Principal statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Audit actions.
const (
	AuditActionGrant      = "grant"
	AuditActionRevoke     = "revoke"
	AuditActionRoleCreate = "role_create"
	AuditActionRoleUpdate = "role_update"
	AuditActionRoleDelete = "role_delete"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrEmailInUse             = errors.New("email already registered")
	ErrRefreshTokenNotFound   = errors.New("refresh token not found")
	ErrLifecycleTokenNotFound = errors.New("lifecycle token not found")
	ErrOrganizationNotFound   = errors.New("organization not found")
	ErrTeamNotFound           = errors.New("team not found")
	ErrRoleNotFound           = errors.New("role not found")
	ErrAssignmentExists       = errors.New("role already assigned")
	ErrAssignmentNotFound     = errors.New("role assignment not found")
)

type User struct {
	ID            uuid.UUID      `db:"id"`
	Email         string         `db:"email"`
	PasswordHash  sql.NullString `db:"password_hash"`
	EmailVerified bool           `db:"email_verified"`
	DisplayName   sql.NullString `db:"display_name"`
	AvatarURL     sql.NullString `db:"avatar_url"`
	MFAEnabled    bool           `db:"mfa_enabled"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	LastLoginAt   sql.NullTime   `db:"last_login_at"`
}

// HasPassword reports whether the principal can authenticate by password.
// Social-only principals carry no hash.
func (u User) HasPassword() bool {
	return u.PasswordHash.Valid && u.PasswordHash.String != ""
}

type Organization struct {
	ID        uuid.UUID `db:"id"`
	Slug      string    `db:"slug"`
	OwnerID   uuid.UUID `db:"owner_id"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

type Team struct {
	ID             uuid.UUID `db:"id"`
	OrganizationID uuid.UUID `db:"organization_id"`
	Slug           string    `db:"slug"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
}

// Role holds its bitmap as decimal text halves; BIGINT would lose bit 63.
type Role struct {
	ID             uuid.UUID      `db:"id"`
	Name           string         `db:"name"`
	Description    sql.NullString `db:"description"`
	PermsLow       string         `db:"perms_low"`
	PermsHigh      string         `db:"perms_high"`
	IsSystem       bool           `db:"is_system"`
	OrganizationID uuid.NullUUID  `db:"organization_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// Bitmap decodes the stored halves.
func (r Role) Bitmap() (permissions.Bitmap, error) {
	return permissions.Parse(r.PermsLow, r.PermsHigh)
}

type RoleAssignment struct {
	ID             uuid.UUID     `db:"id"`
	UserID         uuid.UUID     `db:"user_id"`
	RoleID         uuid.UUID     `db:"role_id"`
	OrganizationID uuid.NullUUID `db:"organization_id"`
	TeamID         uuid.NullUUID `db:"team_id"`
	GrantedBy      uuid.UUID     `db:"granted_by"`
	ExpiresAt      sql.NullTime  `db:"expires_at"`
	CreatedAt      time.Time     `db:"created_at"`
}

type RefreshToken struct {
	ID        uuid.UUID    `db:"id"`
	UserID    uuid.UUID    `db:"user_id"`
	TokenHash string       `db:"token_hash"`
	ExpiresAt time.Time    `db:"expires_at"`
	RevokedAt sql.NullTime `db:"revoked_at"`
	CreatedAt time.Time    `db:"created_at"`
}

type EmailVerificationToken struct {
	ID        uuid.UUID `db:"id"`
	UserID    uuid.UUID `db:"user_id"`
	Token     string    `db:"token"`
	Email     string    `db:"email"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type PasswordResetToken struct {
	ID        uuid.UUID    `db:"id"`
	UserID    uuid.UUID    `db:"user_id"`
	Token     string       `db:"token"`
	ExpiresAt time.Time    `db:"expires_at"`
	UsedAt    sql.NullTime `db:"used_at"`
	CreatedAt time.Time    `db:"created_at"`
}

type AuditEntry struct {
	ID             uuid.UUID     `db:"id"`
	Action         string        `db:"action"`
	ActorID        uuid.UUID     `db:"actor_id"`
	TargetID       uuid.NullUUID `db:"target_id"`
	RoleID         uuid.NullUUID `db:"role_id"`
	OrganizationID uuid.NullUUID `db:"organization_id"`
	TeamID         uuid.NullUUID `db:"team_id"`
	Metadata       []byte        `db:"metadata"`
	CreatedAt      time.Time     `db:"created_at"`
}

// OrganizationMembership is one row of the principal's organization list as
// embedded in access-token claims.
type OrganizationMembership struct {
	OrganizationID uuid.UUID `db:"organization_id"`
	IsOwner        bool      `db:"is_owner"`
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
