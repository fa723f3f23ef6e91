package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

func insertAuditTx(ctx context.Context, tx *sqlx.Tx, entry AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	metadata := entry.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	const query = `
        INSERT INTO permission_audit (id, action, actor_id, target_id, role_id, organization_id, team_id, metadata, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
    `
	if _, err := tx.ExecContext(ctx, query,
		entry.ID, entry.Action, entry.ActorID, entry.TargetID,
		entry.RoleID, entry.OrganizationID, entry.TeamID, metadata); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// AuditFilter narrows the trail query. Zero-valued fields do not filter.
type AuditFilter struct {
	ActorID        uuid.NullUUID
	TargetID       uuid.NullUUID
	RoleID         uuid.NullUUID
	OrganizationID uuid.NullUUID
	Action         string
	Limit          int
}

// QueryAudit returns matching entries strictly newest-first.
func (s *Store) QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	var clauses []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ActorID.Valid {
		clauses = append(clauses, "actor_id = "+arg(filter.ActorID.UUID))
	}
	if filter.TargetID.Valid {
		clauses = append(clauses, "target_id = "+arg(filter.TargetID.UUID))
	}
	if filter.RoleID.Valid {
		clauses = append(clauses, "role_id = "+arg(filter.RoleID.UUID))
	}
	if filter.OrganizationID.Valid {
		clauses = append(clauses, "organization_id = "+arg(filter.OrganizationID.UUID))
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = "+arg(filter.Action))
	}

	query := `
        SELECT id, action, actor_id, target_id, role_id, organization_id, team_id, metadata, created_at
        FROM permission_audit
    `
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT " + arg(limit)

	entries := []AuditEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return entries, nil
}
