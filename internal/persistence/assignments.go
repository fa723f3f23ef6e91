package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateAssignmentWithAudit inserts a role assignment and its grant audit
// entry in one transaction. (principal, role, scope) uniqueness is enforced
// by the store's index: of two racing grants exactly one commits and the
// other returns ErrAssignmentExists.
func (s *Store) CreateAssignmentWithAudit(ctx context.Context, a RoleAssignment, audit AuditEntry) (RoleAssignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return RoleAssignment{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insert = `
        INSERT INTO role_assignments (id, user_id, role_id, organization_id, team_id, granted_by, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
        RETURNING id, user_id, role_id, organization_id, team_id, granted_by, expires_at, created_at
    `
	var created RoleAssignment
	if err = tx.GetContext(ctx, &created, insert,
		a.ID, a.UserID, a.RoleID, a.OrganizationID, a.TeamID, a.GrantedBy, a.ExpiresAt); err != nil {
		if isUniqueViolation(err, "role_assignments_scope_unique") {
			err = ErrAssignmentExists
			return RoleAssignment{}, err
		}
		return RoleAssignment{}, fmt.Errorf("failed to create assignment: %w", err)
	}

	if err = insertAuditTx(ctx, tx, audit); err != nil {
		return RoleAssignment{}, err
	}
	if err = tx.Commit(); err != nil {
		return RoleAssignment{}, fmt.Errorf("failed to commit: %w", err)
	}
	return created, nil
}

// DeleteAssignmentWithAudit removes the assignment at the exact scope and
// records the revoke atomically. A missing assignment is an error, not a
// silent success.
func (s *Store) DeleteAssignmentWithAudit(ctx context.Context, userID, roleID uuid.UUID, orgID, teamID uuid.NullUUID, audit AuditEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const del = `
        DELETE FROM role_assignments
        WHERE user_id = $1 AND role_id = $2
          AND organization_id IS NOT DISTINCT FROM $3
          AND team_id IS NOT DISTINCT FROM $4
    `
	res, err := tx.ExecContext(ctx, del, userID, roleID, orgID, teamID)
	if err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		err = ErrAssignmentNotFound
		return err
	}

	if err = insertAuditTx(ctx, tx, audit); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// ListActiveAssignments returns unexpired assignments at one exact scope.
// Scopes never merge implicitly: a null org matches only null, and likewise
// for team.
func (s *Store) ListActiveAssignments(ctx context.Context, userID uuid.UUID, orgID, teamID uuid.NullUUID) ([]RoleAssignment, error) {
	const query = `
        SELECT id, user_id, role_id, organization_id, team_id, granted_by, expires_at, created_at
        FROM role_assignments
        WHERE user_id = $1
          AND organization_id IS NOT DISTINCT FROM $2
          AND team_id IS NOT DISTINCT FROM $3
          AND (expires_at IS NULL OR expires_at > NOW())
    `
	assignments := []RoleAssignment{}
	if err := s.db.SelectContext(ctx, &assignments, query, userID, orgID, teamID); err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return assignments, nil
}
