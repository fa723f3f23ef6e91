package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
)

type NewRoleInput struct {
	Name           string
	Description    string
	Bitmap         permissions.Bitmap
	IsSystem       bool
	OrganizationID uuid.NullUUID
}

// CreateRoleWithAudit inserts a custom role and its role_create audit entry
// in one transaction, so no role can exist without a trail.
func (s *Store) CreateRoleWithAudit(ctx context.Context, input NewRoleInput, audit AuditEntry) (Role, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Role{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	role, err := insertRoleTx(ctx, tx, input)
	if err != nil {
		return Role{}, err
	}
	audit.RoleID = uuid.NullUUID{UUID: role.ID, Valid: true}
	if err = insertAuditTx(ctx, tx, audit); err != nil {
		return Role{}, err
	}

	if err = tx.Commit(); err != nil {
		return Role{}, fmt.Errorf("failed to commit: %w", err)
	}
	return role, nil
}

func insertRoleTx(ctx context.Context, tx *sqlx.Tx, input NewRoleInput) (Role, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Role{}, errors.New("role name required")
	}

	var description sql.NullString
	if desc := strings.TrimSpace(input.Description); desc != "" {
		description = sql.NullString{String: desc, Valid: true}
	}

	const query = `
        INSERT INTO roles (id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
        RETURNING id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at
    `
	var role Role
	err := tx.GetContext(ctx, &role, query,
		uuid.New(), name, description,
		input.Bitmap.LoString(), input.Bitmap.HiString(),
		input.IsSystem, input.OrganizationID)
	if err != nil {
		return Role{}, fmt.Errorf("failed to create role: %w", err)
	}
	return role, nil
}

func (s *Store) GetRoleByID(ctx context.Context, id uuid.UUID) (Role, error) {
	const query = `
        SELECT id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at
        FROM roles
        WHERE id = $1
    `
	var role Role
	if err := s.db.GetContext(ctx, &role, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Role{}, ErrRoleNotFound
		}
		return Role{}, fmt.Errorf("failed to load role: %w", err)
	}
	return role, nil
}

// ListRoles returns org-scoped roles when orgID is set, otherwise the global
// system roles.
func (s *Store) ListRoles(ctx context.Context, orgID uuid.NullUUID) ([]Role, error) {
	const orgQuery = `
        SELECT id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at
        FROM roles WHERE organization_id = $1 ORDER BY created_at
    `
	const systemQuery = `
        SELECT id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at
        FROM roles WHERE organization_id IS NULL AND is_system ORDER BY created_at
    `

	roles := []Role{}
	var err error
	if orgID.Valid {
		err = s.db.SelectContext(ctx, &roles, orgQuery, orgID.UUID)
	} else {
		err = s.db.SelectContext(ctx, &roles, systemQuery)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	return roles, nil
}

// UpdateRoleWithAudit rewrites a custom role's description and bitmap and
// records role_update atomically. System roles never match the NOT is_system
// predicate.
func (s *Store) UpdateRoleWithAudit(ctx context.Context, id uuid.UUID, description string, bitmap permissions.Bitmap, audit AuditEntry) (Role, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Role{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var desc sql.NullString
	if d := strings.TrimSpace(description); d != "" {
		desc = sql.NullString{String: d, Valid: true}
	}

	const query = `
        UPDATE roles
        SET description = $2, perms_low = $3, perms_high = $4, updated_at = NOW()
        WHERE id = $1 AND NOT is_system
        RETURNING id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at
    `
	var role Role
	if err = tx.GetContext(ctx, &role, query, id, desc, bitmap.LoString(), bitmap.HiString()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrRoleNotFound
			return Role{}, err
		}
		return Role{}, fmt.Errorf("failed to update role: %w", err)
	}

	if err = insertAuditTx(ctx, tx, audit); err != nil {
		return Role{}, err
	}
	if err = tx.Commit(); err != nil {
		return Role{}, fmt.Errorf("failed to commit: %w", err)
	}
	return role, nil
}

// DeleteRoleWithAudit removes a custom role and records role_delete
// atomically.
func (s *Store) DeleteRoleWithAudit(ctx context.Context, id uuid.UUID, audit AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertAuditTx(ctx, tx, audit); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		err = ErrRoleNotFound
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SeedSystemRoles provisions the built-in roles once. Reruns are no-ops via
// the partial unique index on system role names.
func (s *Store) SeedSystemRoles(ctx context.Context) error {
	seeds := []struct {
		name        string
		description string
		names       []string
	}{
		{
			name:        "platform-admin",
			description: "Full platform administration",
			names: []string{
				"org.view",
				"admin.users.view", "admin.users.update", "admin.users.suspend",
				"admin.audit.view", "admin.settings", "admin.apikeys",
				"admin.webhooks", "admin.integrations", "admin.billing",
				permissions.NameGrant, permissions.NameRevoke,
				permissions.NameRoleCreate, permissions.NameRoleUpdate,
				permissions.NameRoleDelete, permissions.NameRoleView,
			},
		},
		{
			name:        "org-admin",
			description: "Organization administration",
			names: []string{
				"org.view", "org.update", "org.delete", "org.settings.view",
				"org.settings.update", "org.members.view", "org.members.invite",
				"org.members.remove", "org.teams.create", "org.teams.view",
				"org.billing.view", "org.billing.update", "org.transfer",
				"team.view", "team.update", "team.delete", "team.members.view",
				"team.members.add", "team.members.remove", "team.settings.update",
				permissions.NameGrant, permissions.NameRevoke,
				permissions.NameRoleCreate, permissions.NameRoleUpdate,
				permissions.NameRoleDelete, permissions.NameRoleView,
			},
		},
		{
			name:        "team-lead",
			description: "Team leadership",
			names: []string{
				"team.view", "team.update", "team.members.view", "team.members.add",
				"team.members.remove", "team.settings.update",
				"repo.view", "repo.create", "repo.update", "repo.push", "repo.pull", "repo.admin",
				"data.read", "data.write",
				"issue.view", "issue.create", "issue.update", "issue.close",
				"pr.view", "pr.create", "pr.review", "pr.merge",
				"comment.create", "comment.delete",
			},
		},
		{
			name:        "member",
			description: "Standard member",
			names: []string{
				"org.view", "team.view", "repo.view", "repo.pull", "data.read",
				"issue.view", "issue.create", "issue.update", "issue.close",
				"pr.view", "pr.create", "comment.create",
			},
		},
		{
			name:        "viewer",
			description: "Read-only access",
			names: []string{
				"org.view", "team.view", "repo.view", "data.read",
				"issue.view", "pr.view",
			},
		},
	}

	const query = `
        INSERT INTO roles (id, name, description, perms_low, perms_high, is_system, organization_id, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, TRUE, NULL, NOW(), NOW())
        ON CONFLICT (name) WHERE is_system AND organization_id IS NULL DO NOTHING
    `
	for _, seed := range seeds {
		bitmap := permissions.FromNames(seed.names)
		if _, err := s.db.ExecContext(ctx, query,
			uuid.New(), seed.name, seed.description,
			bitmap.LoString(), bitmap.HiString()); err != nil {
			return fmt.Errorf("failed to seed role %s: %w", seed.name, err)
		}
	}
	return nil
}
