package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

// Delegation and capability failures. The capability error maps to a plain
// 403; the superset violations carry the specific human sentence the wire
// contract requires.
var (
	ErrCapabilityDenied = errors.New("permission denied")
	ErrCannotGrant      = errors.New("you cannot grant permissions you do not possess")
	ErrCannotRevoke     = errors.New("you cannot revoke permissions you do not possess")
	ErrCannotCreateRole = errors.New("you cannot create a role with permissions you do not possess")
	ErrCannotUpdateRole = errors.New("you cannot update a role with permissions you do not possess")
	ErrCannotDeleteRole = errors.New("you cannot delete a role with permissions you do not possess")
	ErrSystemRole       = errors.New("system roles cannot be modified or deleted")
	ErrInvalidScope     = errors.New("team scope requires an organization")
	ErrTargetSuspended  = errors.New("target user is suspended")
)

// Store is the slice of the persistence layer the authorization service
// touches. *persistence.Store satisfies it; tests use fakes.
type Store interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (persistence.User, error)
	IsOrganizationOwner(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]persistence.OrganizationMembership, error)
	GetOrganizationByID(ctx context.Context, id uuid.UUID) (persistence.Organization, error)
	GetTeamByID(ctx context.Context, id uuid.UUID) (persistence.Team, error)
	CreateOrganization(ctx context.Context, input persistence.NewOrganizationInput) (persistence.Organization, error)
	CreateTeam(ctx context.Context, input persistence.NewTeamInput) (persistence.Team, error)
	GetRoleByID(ctx context.Context, id uuid.UUID) (persistence.Role, error)
	ListRoles(ctx context.Context, orgID uuid.NullUUID) ([]persistence.Role, error)
	CreateRoleWithAudit(ctx context.Context, input persistence.NewRoleInput, audit persistence.AuditEntry) (persistence.Role, error)
	UpdateRoleWithAudit(ctx context.Context, id uuid.UUID, description string, bitmap permissions.Bitmap, audit persistence.AuditEntry) (persistence.Role, error)
	DeleteRoleWithAudit(ctx context.Context, id uuid.UUID, audit persistence.AuditEntry) error
	ListActiveAssignments(ctx context.Context, userID uuid.UUID, orgID, teamID uuid.NullUUID) ([]persistence.RoleAssignment, error)
	CreateAssignmentWithAudit(ctx context.Context, a persistence.RoleAssignment, audit persistence.AuditEntry) (persistence.RoleAssignment, error)
	DeleteAssignmentWithAudit(ctx context.Context, userID, roleID uuid.UUID, orgID, teamID uuid.NullUUID, audit persistence.AuditEntry) error
	QueryAudit(ctx context.Context, filter persistence.AuditFilter) ([]persistence.AuditEntry, error)
}

// Service enforces the superset rule over the role registry and assignment
// store. Every mutation lands together with its audit entry.
type Service struct {
	store Store
	log   zerolog.Logger
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log}
}

// GrantInput describes one grant request. Team scope requires org scope;
// both absent means a global assignment.
type GrantInput struct {
	UserID         uuid.UUID
	RoleID         uuid.UUID
	OrganizationID uuid.NullUUID
	TeamID         uuid.NullUUID
	ExpiresAt      *time.Time
}

// GrantRole assigns a role after the superset check: the grantor's effective
// bitmap at the target scope must contain every bit of the role's bitmap.
func (s *Service) GrantRole(ctx context.Context, actorID uuid.UUID, input GrantInput) (persistence.RoleAssignment, error) {
	if input.TeamID.Valid && !input.OrganizationID.Valid {
		return persistence.RoleAssignment{}, ErrInvalidScope
	}

	target, err := s.store.GetUserByID(ctx, input.UserID)
	if err != nil {
		return persistence.RoleAssignment{}, err
	}
	if target.Status != persistence.StatusActive {
		return persistence.RoleAssignment{}, ErrTargetSuspended
	}

	// A team scope must name a team of the granted organization.
	if input.TeamID.Valid {
		team, err := s.store.GetTeamByID(ctx, input.TeamID.UUID)
		if err != nil {
			return persistence.RoleAssignment{}, err
		}
		if team.OrganizationID != input.OrganizationID.UUID {
			return persistence.RoleAssignment{}, ErrInvalidScope
		}
	}

	role, err := s.store.GetRoleByID(ctx, input.RoleID)
	if err != nil {
		return persistence.RoleAssignment{}, err
	}
	roleBitmap, err := role.Bitmap()
	if err != nil {
		return persistence.RoleAssignment{}, err
	}

	grantor, err := s.EffectivePermissions(ctx, actorID, input.OrganizationID, input.TeamID)
	if err != nil {
		return persistence.RoleAssignment{}, err
	}
	if !permissions.CanDelegate(grantor.Bitmap, roleBitmap) {
		return persistence.RoleAssignment{}, ErrCannotGrant
	}

	var expires sql.NullTime
	if input.ExpiresAt != nil {
		expires = sql.NullTime{Time: *input.ExpiresAt, Valid: true}
	}

	audit := persistence.AuditEntry{
		Action:         persistence.AuditActionGrant,
		ActorID:        actorID,
		TargetID:       uuid.NullUUID{UUID: input.UserID, Valid: true},
		RoleID:         uuid.NullUUID{UUID: input.RoleID, Valid: true},
		OrganizationID: input.OrganizationID,
		TeamID:         input.TeamID,
		Metadata:       auditMetadata(map[string]any{"role_name": role.Name, "permissions": permissions.Names(roleBitmap)}),
	}

	assignment, err := s.store.CreateAssignmentWithAudit(ctx, persistence.RoleAssignment{
		UserID:         input.UserID,
		RoleID:         input.RoleID,
		OrganizationID: input.OrganizationID,
		TeamID:         input.TeamID,
		GrantedBy:      actorID,
		ExpiresAt:      expires,
	}, audit)
	if err != nil {
		return persistence.RoleAssignment{}, err
	}

	s.log.Info().
		Str("actor", actorID.String()).
		Str("target", input.UserID.String()).
		Str("role", role.Name).
		Msg("role granted")
	return assignment, nil
}

// RevokeInput addresses one assignment by its exact scope tuple.
type RevokeInput struct {
	UserID         uuid.UUID
	RoleID         uuid.UUID
	OrganizationID uuid.NullUUID
	TeamID         uuid.NullUUID
}

// RevokeRole removes an assignment. The superset rule applies symmetrically:
// a revoker cannot operate on permissions they do not themselves hold.
func (s *Service) RevokeRole(ctx context.Context, actorID uuid.UUID, input RevokeInput) error {
	if input.TeamID.Valid && !input.OrganizationID.Valid {
		return ErrInvalidScope
	}

	role, err := s.store.GetRoleByID(ctx, input.RoleID)
	if err != nil {
		return err
	}
	roleBitmap, err := role.Bitmap()
	if err != nil {
		return err
	}

	revoker, err := s.EffectivePermissions(ctx, actorID, input.OrganizationID, input.TeamID)
	if err != nil {
		return err
	}
	if !permissions.CanDelegate(revoker.Bitmap, roleBitmap) {
		return ErrCannotRevoke
	}

	audit := persistence.AuditEntry{
		Action:         persistence.AuditActionRevoke,
		ActorID:        actorID,
		TargetID:       uuid.NullUUID{UUID: input.UserID, Valid: true},
		RoleID:         uuid.NullUUID{UUID: input.RoleID, Valid: true},
		OrganizationID: input.OrganizationID,
		TeamID:         input.TeamID,
		Metadata:       auditMetadata(map[string]any{"role_name": role.Name}),
	}

	if err := s.store.DeleteAssignmentWithAudit(ctx, input.UserID, input.RoleID, input.OrganizationID, input.TeamID, audit); err != nil {
		return err
	}

	s.log.Info().
		Str("actor", actorID.String()).
		Str("target", input.UserID.String()).
		Str("role", role.Name).
		Msg("role revoked")
	return nil
}

// CreateRoleInput carries permission names, not bits. Unknown names are
// dropped before the superset check, so the check runs against the resolved
// bitmap.
type CreateRoleInput struct {
	Name            string
	Description     string
	PermissionNames []string
	OrganizationID  uuid.NullUUID
}

func (s *Service) CreateRole(ctx context.Context, actorID uuid.UUID, input CreateRoleInput) (persistence.Role, error) {
	bitmap := permissions.FromNames(input.PermissionNames)

	creator, err := s.EffectivePermissions(ctx, actorID, input.OrganizationID, uuid.NullUUID{})
	if err != nil {
		return persistence.Role{}, err
	}
	if !permissions.CanDelegate(creator.Bitmap, bitmap) {
		return persistence.Role{}, ErrCannotCreateRole
	}

	audit := persistence.AuditEntry{
		Action:         persistence.AuditActionRoleCreate,
		ActorID:        actorID,
		OrganizationID: input.OrganizationID,
		Metadata:       auditMetadata(map[string]any{"role_name": input.Name, "permissions": permissions.Names(bitmap)}),
	}

	return s.store.CreateRoleWithAudit(ctx, persistence.NewRoleInput{
		Name:           input.Name,
		Description:    input.Description,
		Bitmap:         bitmap,
		OrganizationID: input.OrganizationID,
	}, audit)
}

// UpdateRole rewrites a custom role's bitmap, re-running the superset check
// against the new bitmap. System roles are immutable.
func (s *Service) UpdateRole(ctx context.Context, actorID, roleID uuid.UUID, description string, permissionNames []string) (persistence.Role, error) {
	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return persistence.Role{}, err
	}
	if role.IsSystem {
		return persistence.Role{}, ErrSystemRole
	}

	bitmap := permissions.FromNames(permissionNames)
	actor, err := s.EffectivePermissions(ctx, actorID, role.OrganizationID, uuid.NullUUID{})
	if err != nil {
		return persistence.Role{}, err
	}
	if !permissions.CanDelegate(actor.Bitmap, bitmap) {
		return persistence.Role{}, ErrCannotUpdateRole
	}

	audit := persistence.AuditEntry{
		Action:         persistence.AuditActionRoleUpdate,
		ActorID:        actorID,
		RoleID:         uuid.NullUUID{UUID: roleID, Valid: true},
		OrganizationID: role.OrganizationID,
		Metadata:       auditMetadata(map[string]any{"role_name": role.Name, "permissions": permissions.Names(bitmap)}),
	}
	return s.store.UpdateRoleWithAudit(ctx, roleID, description, bitmap, audit)
}

// DeleteRole removes a custom role. System roles refuse deletion outright.
func (s *Service) DeleteRole(ctx context.Context, actorID, roleID uuid.UUID) error {
	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRole
	}
	roleBitmap, err := role.Bitmap()
	if err != nil {
		return err
	}

	actor, err := s.EffectivePermissions(ctx, actorID, role.OrganizationID, uuid.NullUUID{})
	if err != nil {
		return err
	}
	if !permissions.CanDelegate(actor.Bitmap, roleBitmap) {
		return ErrCannotDeleteRole
	}

	audit := persistence.AuditEntry{
		Action:         persistence.AuditActionRoleDelete,
		ActorID:        actorID,
		RoleID:         uuid.NullUUID{UUID: roleID, Valid: true},
		OrganizationID: role.OrganizationID,
		Metadata:       auditMetadata(map[string]any{"role_name": role.Name}),
	}
	return s.store.DeleteRoleWithAudit(ctx, roleID, audit)
}

// GetRole returns the role with its decoded permission names.
func (s *Service) GetRole(ctx context.Context, roleID uuid.UUID) (persistence.Role, []string, error) {
	role, err := s.store.GetRoleByID(ctx, roleID)
	if err != nil {
		return persistence.Role{}, nil, err
	}
	bitmap, err := role.Bitmap()
	if err != nil {
		return persistence.Role{}, nil, err
	}
	return role, permissions.Names(bitmap), nil
}

// ListRoles returns org-scoped roles, or global system roles when no org
// filter is given.
func (s *Service) ListRoles(ctx context.Context, orgID uuid.NullUUID) ([]persistence.Role, error) {
	return s.store.ListRoles(ctx, orgID)
}

// CreateOrganization provisions an organization owned by the caller. Owners
// hold the full superset at their org scope, so no role bootstrap is needed.
func (s *Service) CreateOrganization(ctx context.Context, ownerID uuid.UUID, slug string) (persistence.Organization, error) {
	org, err := s.store.CreateOrganization(ctx, persistence.NewOrganizationInput{Slug: slug, OwnerID: ownerID})
	if err != nil {
		return persistence.Organization{}, err
	}
	s.log.Info().
		Str("org", org.ID.String()).
		Str("owner", ownerID.String()).
		Msg("organization created")
	return org, nil
}

// CreateTeam adds a team under an existing organization.
func (s *Service) CreateTeam(ctx context.Context, orgID uuid.UUID, slug string) (persistence.Team, error) {
	if _, err := s.store.GetOrganizationByID(ctx, orgID); err != nil {
		return persistence.Team{}, err
	}
	return s.store.CreateTeam(ctx, persistence.NewTeamInput{OrganizationID: orgID, Slug: slug})
}

// AuditTrail queries the append-only history, newest first.
func (s *Service) AuditTrail(ctx context.Context, filter persistence.AuditFilter) ([]persistence.AuditEntry, error) {
	return s.store.QueryAudit(ctx, filter)
}

// OrganizationClaims resolves the principal's per-organization effective
// permissions for embedding in access tokens.
func (s *Service) OrganizationClaims(ctx context.Context, userID uuid.UUID) ([]tokens.OrganizationClaim, error) {
	memberships, err := s.store.ListUserOrganizations(ctx, userID)
	if err != nil {
		return nil, err
	}

	claims := make([]tokens.OrganizationClaim, 0, len(memberships))
	for _, m := range memberships {
		orgID := uuid.NullUUID{UUID: m.OrganizationID, Valid: true}
		effective, err := s.EffectivePermissions(ctx, userID, orgID, uuid.NullUUID{})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve permissions for org %s: %w", m.OrganizationID, err)
		}
		role := "member"
		if effective.IsOwner {
			role = "owner"
		}
		claims = append(claims, tokens.OrganizationClaim{
			ID:          m.OrganizationID.String(),
			Role:        role,
			Permissions: []string{effective.Bitmap.LoString(), effective.Bitmap.HiString()},
		})
	}
	return claims, nil
}

func auditMetadata(m map[string]any) []byte {
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}
