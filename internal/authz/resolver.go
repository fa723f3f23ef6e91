package authz

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
)

// Effective is the resolved permission set for a principal at one scope.
type Effective struct {
	Bitmap  permissions.Bitmap
	Names   []string
	IsOwner bool
}

// Has reports whether every bit of p is held.
func (e Effective) Has(p permissions.Bitmap) bool {
	return e.Bitmap.Has(p)
}

// EffectivePermissions combines all unexpired role assignments at exactly the
// requested (org, team) scope. Scopes never merge: callers ask at one scope
// at a time. Organization owners short-circuit to the full superset with no
// assignment rows consulted.
func (s *Service) EffectivePermissions(ctx context.Context, userID uuid.UUID, orgID, teamID uuid.NullUUID) (Effective, error) {
	if teamID.Valid && !orgID.Valid {
		return Effective{}, ErrInvalidScope
	}

	if orgID.Valid {
		owner, err := s.store.IsOrganizationOwner(ctx, orgID.UUID, userID)
		if err != nil {
			return Effective{}, err
		}
		if owner {
			return Effective{
				Bitmap:  permissions.FullSuperset,
				Names:   permissions.Names(permissions.FullSuperset),
				IsOwner: true,
			}, nil
		}
	}

	assignments, err := s.store.ListActiveAssignments(ctx, userID, orgID, teamID)
	if err != nil {
		return Effective{}, err
	}

	var combined permissions.Bitmap
	for _, a := range assignments {
		role, err := s.store.GetRoleByID(ctx, a.RoleID)
		if err != nil {
			return Effective{}, fmt.Errorf("failed to load role %s: %w", a.RoleID, err)
		}
		bitmap, err := role.Bitmap()
		if err != nil {
			return Effective{}, err
		}
		combined = combined.Union(bitmap)
	}

	return Effective{
		Bitmap: combined,
		Names:  permissions.Names(combined),
	}, nil
}

// RequireCapability is the coarse gate run before each permission-flow
// operation. A suspended actor holds nothing.
func (s *Service) RequireCapability(ctx context.Context, actorID uuid.UUID, orgID, teamID uuid.NullUUID, capability string) error {
	actor, err := s.store.GetUserByID(ctx, actorID)
	if err != nil {
		return err
	}
	if actor.Status != persistence.StatusActive {
		return ErrCapabilityDenied
	}

	effective, err := s.EffectivePermissions(ctx, actorID, orgID, teamID)
	if err != nil {
		return err
	}
	if !effective.Has(permissions.Named(capability)) {
		return ErrCapabilityDenied
	}
	return nil
}
