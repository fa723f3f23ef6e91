package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sh/gatehouse/internal/permissions"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

type organizationView struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	OwnerID   string    `json:"ownerId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type teamView struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Slug           string    `json:"slug"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (s *Server) handleCreateOrganization(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	var req struct {
		Slug string `json:"slug"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Slug) == "" {
		writeError(w, http.StatusBadRequest, "organization slug is required")
		return
	}

	org, err := s.authz.CreateOrganization(r.Context(), actor, req.Slug)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Organization created",
		"organization": organizationView{
			ID:        org.ID.String(),
			Slug:      org.Slug,
			OwnerID:   org.OwnerID.String(),
			Status:    org.Status,
			CreatedAt: org.CreatedAt,
		},
	})
}

// handleListOrganizations returns the caller's memberships with the same
// role and permission halves the access token carries.
func (s *Server) handleListOrganizations(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	orgs, err := s.authz.OrganizationClaims(r.Context(), actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"organizations": orgs})
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	orgID, ok := parseUUID(w, r.PathValue("orgId"), "orgId")
	if !ok {
		return
	}

	var req struct {
		Slug string `json:"slug"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Slug) == "" {
		writeError(w, http.StatusBadRequest, "team slug is required")
		return
	}

	scope := uuid.NullUUID{UUID: orgID, Valid: true}
	if err := s.authz.RequireCapability(r.Context(), actor, scope, uuid.NullUUID{}, permissions.NameTeamCreate); err != nil {
		writeServiceError(w, err)
		return
	}

	team, err := s.authz.CreateTeam(r.Context(), orgID, req.Slug)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Team created",
		"team": teamView{
			ID:             team.ID.String(),
			OrganizationID: team.OrganizationID.String(),
			Slug:           team.Slug,
			Status:         team.Status,
			CreatedAt:      team.CreatedAt,
		},
	})
}
