package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type NewOrganizationInput struct {
	Slug    string
	OwnerID uuid.UUID
}

func (s *Store) CreateOrganization(ctx context.Context, input NewOrganizationInput) (Organization, error) {
	slug := strings.ToLower(strings.TrimSpace(input.Slug))
	if slug == "" {
		return Organization{}, errors.New("organization slug required")
	}

	const query = `
        INSERT INTO organizations (id, slug, owner_id, status, created_at)
        VALUES ($1, $2, $3, $4, NOW())
        RETURNING id, slug, owner_id, status, created_at
    `
	var org Organization
	if err := s.db.GetContext(ctx, &org, query, uuid.New(), slug, input.OwnerID, StatusActive); err != nil {
		if isUniqueViolation(err, "organizations_slug_unique") {
			return Organization{}, fmt.Errorf("organization slug already in use")
		}
		return Organization{}, fmt.Errorf("failed to create organization: %w", err)
	}
	return org, nil
}

func (s *Store) GetOrganizationByID(ctx context.Context, id uuid.UUID) (Organization, error) {
	const query = `SELECT id, slug, owner_id, status, created_at FROM organizations WHERE id = $1`
	var org Organization
	if err := s.db.GetContext(ctx, &org, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Organization{}, ErrOrganizationNotFound
		}
		return Organization{}, fmt.Errorf("failed to load organization: %w", err)
	}
	return org, nil
}

// IsOrganizationOwner backs the owner short-circuit in the permission
// resolver.
func (s *Store) IsOrganizationOwner(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	const query = `SELECT COUNT(1) FROM organizations WHERE id = $1 AND owner_id = $2`
	var count int
	if err := s.db.GetContext(ctx, &count, query, orgID, userID); err != nil {
		return false, fmt.Errorf("failed to check organization owner: %w", err)
	}
	return count > 0, nil
}

type NewTeamInput struct {
	OrganizationID uuid.UUID
	Slug           string
}

func (s *Store) CreateTeam(ctx context.Context, input NewTeamInput) (Team, error) {
	slug := strings.ToLower(strings.TrimSpace(input.Slug))
	if slug == "" {
		return Team{}, errors.New("team slug required")
	}

	const query = `
        INSERT INTO teams (id, organization_id, slug, status, created_at)
        VALUES ($1, $2, $3, $4, NOW())
        RETURNING id, organization_id, slug, status, created_at
    `
	var team Team
	if err := s.db.GetContext(ctx, &team, query, uuid.New(), input.OrganizationID, slug, StatusActive); err != nil {
		if isUniqueViolation(err, "") {
			return Team{}, fmt.Errorf("team slug already in use within organization")
		}
		return Team{}, fmt.Errorf("failed to create team: %w", err)
	}
	return team, nil
}

func (s *Store) GetTeamByID(ctx context.Context, id uuid.UUID) (Team, error) {
	const query = `SELECT id, organization_id, slug, status, created_at FROM teams WHERE id = $1`
	var team Team
	if err := s.db.GetContext(ctx, &team, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Team{}, ErrTeamNotFound
		}
		return Team{}, fmt.Errorf("failed to load team: %w", err)
	}
	return team, nil
}

// ListUserOrganizations returns every organization the principal owns or
// holds an unexpired org-level assignment in; it feeds the access token's
// per-organization permissions block.
func (s *Store) ListUserOrganizations(ctx context.Context, userID uuid.UUID) ([]OrganizationMembership, error) {
	const query = `
        SELECT o.id AS organization_id, (o.owner_id = $1) AS is_owner
        FROM organizations o
        WHERE o.owner_id = $1
        UNION
        SELECT ra.organization_id, FALSE
        FROM role_assignments ra
        JOIN organizations o ON o.id = ra.organization_id
        WHERE ra.user_id = $1
          AND ra.organization_id IS NOT NULL
          AND o.owner_id <> $1
          AND (ra.expires_at IS NULL OR ra.expires_at > NOW())
    `
	memberships := []OrganizationMembership{}
	if err := s.db.SelectContext(ctx, &memberships, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	return memberships, nil
}
