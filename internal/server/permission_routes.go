package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sh/gatehouse/internal/authz"
	"github.com/gatehouse-sh/gatehouse/internal/permissions"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

type assignmentView struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	RoleID         string     `json:"roleId"`
	OrganizationID *string    `json:"organizationId"`
	TeamID         *string    `json:"teamId"`
	GrantedBy      string     `json:"grantedBy"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func viewAssignment(a persistence.RoleAssignment) assignmentView {
	out := assignmentView{
		ID:             a.ID.String(),
		UserID:         a.UserID.String(),
		RoleID:         a.RoleID.String(),
		OrganizationID: nullUUIDString(a.OrganizationID),
		TeamID:         nullUUIDString(a.TeamID),
		GrantedBy:      a.GrantedBy.String(),
		CreatedAt:      a.CreatedAt,
	}
	if a.ExpiresAt.Valid {
		t := a.ExpiresAt.Time
		out.ExpiresAt = &t
	}
	return out
}

type roleView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	PermissionNames []string  `json:"permissionNames"`
	IsSystem        bool      `json:"isSystem"`
	OrganizationID  *string   `json:"organizationId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func viewRole(role persistence.Role) (roleView, error) {
	bitmap, err := role.Bitmap()
	if err != nil {
		return roleView{}, err
	}
	return roleView{
		ID:              role.ID.String(),
		Name:            role.Name,
		Description:     role.Description.String,
		PermissionNames: permissions.Names(bitmap),
		IsSystem:        role.IsSystem,
		OrganizationID:  nullUUIDString(role.OrganizationID),
		CreatedAt:       role.CreatedAt,
		UpdatedAt:       role.UpdatedAt,
	}, nil
}

func actorID(w http.ResponseWriter, claims tokens.Claims) (uuid.UUID, bool) {
	id, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	var req struct {
		UserID         string     `json:"userId"`
		RoleID         string     `json:"roleId"`
		OrganizationID string     `json:"organizationId"`
		TeamID         string     `json:"teamId"`
		ExpiresAt      *time.Time `json:"expiresAt"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, ok := parseUUID(w, req.UserID, "userId")
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, req.RoleID, "roleId")
	if !ok {
		return
	}
	orgID, ok := parseOptionalUUID(w, req.OrganizationID, "organizationId")
	if !ok {
		return
	}
	teamID, ok := parseOptionalUUID(w, req.TeamID, "teamId")
	if !ok {
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, orgID, teamID, permissions.NameGrant); err != nil {
		writeServiceError(w, err)
		return
	}

	assignment, err := s.authz.GrantRole(r.Context(), actor, authz.GrantInput{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: orgID,
		TeamID:         teamID,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":    "Role granted",
		"assignment": viewAssignment(assignment),
	})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	var req struct {
		UserID         string `json:"userId"`
		RoleID         string `json:"roleId"`
		OrganizationID string `json:"organizationId"`
		TeamID         string `json:"teamId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, ok := parseUUID(w, req.UserID, "userId")
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, req.RoleID, "roleId")
	if !ok {
		return
	}
	orgID, ok := parseOptionalUUID(w, req.OrganizationID, "organizationId")
	if !ok {
		return
	}
	teamID, ok := parseOptionalUUID(w, req.TeamID, "teamId")
	if !ok {
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, orgID, teamID, permissions.NameRevoke); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := s.authz.RevokeRole(r.Context(), actor, authz.RevokeInput{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: orgID,
		TeamID:         teamID,
	}); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Role revoked"})
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	var req struct {
		Name            string   `json:"name"`
		Description     string   `json:"description"`
		PermissionNames []string `json:"permissionNames"`
		OrganizationID  string   `json:"organizationId"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "role name is required")
		return
	}
	orgID, ok := parseOptionalUUID(w, req.OrganizationID, "organizationId")
	if !ok {
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, orgID, uuid.NullUUID{}, permissions.NameRoleCreate); err != nil {
		writeServiceError(w, err)
		return
	}

	role, err := s.authz.CreateRole(r.Context(), actor, authz.CreateRoleInput{
		Name:            req.Name,
		Description:     req.Description,
		PermissionNames: req.PermissionNames,
		OrganizationID:  orgID,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := viewRole(role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Role created",
		"role":    view,
	})
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	orgID, ok := parseOptionalUUID(w, r.URL.Query().Get("organizationId"), "organizationId")
	if !ok {
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, orgID, uuid.NullUUID{}, permissions.NameRoleView); err != nil {
		writeServiceError(w, err)
		return
	}

	roles, err := s.authz.ListRoles(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		view, err := viewRole(role)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": views})
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, r.PathValue("roleId"), "roleId")
	if !ok {
		return
	}

	role, names, err := s.authz.GetRole(r.Context(), roleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, role.OrganizationID, uuid.NullUUID{}, permissions.NameRoleView); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"role": roleView{
			ID:              role.ID.String(),
			Name:            role.Name,
			Description:     role.Description.String,
			PermissionNames: names,
			IsSystem:        role.IsSystem,
			OrganizationID:  nullUUIDString(role.OrganizationID),
			CreatedAt:       role.CreatedAt,
			UpdatedAt:       role.UpdatedAt,
		},
	})
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, r.PathValue("roleId"), "roleId")
	if !ok {
		return
	}

	var req struct {
		Description     string   `json:"description"`
		PermissionNames []string `json:"permissionNames"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	existing, _, err := s.authz.GetRole(r.Context(), roleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.authz.RequireCapability(r.Context(), actor, existing.OrganizationID, uuid.NullUUID{}, permissions.NameRoleUpdate); err != nil {
		writeServiceError(w, err)
		return
	}

	role, err := s.authz.UpdateRole(r.Context(), actor, roleID, req.Description, req.PermissionNames)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	view, err := viewRole(role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Role updated",
		"role":    view,
	})
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	roleID, ok := parseUUID(w, r.PathValue("roleId"), "roleId")
	if !ok {
		return
	}

	existing, _, err := s.authz.GetRole(r.Context(), roleID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.authz.RequireCapability(r.Context(), actor, existing.OrganizationID, uuid.NullUUID{}, permissions.NameRoleDelete); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := s.authz.DeleteRole(r.Context(), actor, roleID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Role deleted"})
}

func (s *Server) handleUserPermissions(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}
	userID, ok := parseUUID(w, r.PathValue("userId"), "userId")
	if !ok {
		return
	}
	orgID, ok := parseOptionalUUID(w, r.URL.Query().Get("organizationId"), "organizationId")
	if !ok {
		return
	}
	teamID, ok := parseOptionalUUID(w, r.URL.Query().Get("teamId"), "teamId")
	if !ok {
		return
	}

	// Principals may always inspect their own permissions.
	if userID != actor {
		if err := s.authz.RequireCapability(r.Context(), actor, orgID, teamID, permissions.NameRoleView); err != nil {
			writeServiceError(w, err)
			return
		}
	}

	effective, err := s.authz.EffectivePermissions(r.Context(), userID, orgID, teamID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"userId":         userID.String(),
		"organizationId": nullUUIDString(orgID),
		"teamId":         nullUUIDString(teamID),
		"isOwner":        effective.IsOwner,
		"permissions": map[string]interface{}{
			"names": effective.Names,
			// Decimal strings: the halves exceed the 53-bit double range.
			"low":  effective.Bitmap.LoString(),
			"high": effective.Bitmap.HiString(),
		},
	})
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	query := r.URL.Query()
	orgID, ok := parseOptionalUUID(w, query.Get("organizationId"), "organizationId")
	if !ok {
		return
	}
	actorFilter, ok := parseOptionalUUID(w, query.Get("actorId"), "actorId")
	if !ok {
		return
	}
	targetFilter, ok := parseOptionalUUID(w, query.Get("targetId"), "targetId")
	if !ok {
		return
	}
	roleFilter, ok := parseOptionalUUID(w, query.Get("roleId"), "roleId")
	if !ok {
		return
	}

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	if err := s.authz.RequireCapability(r.Context(), actor, orgID, uuid.NullUUID{}, permissions.NameAuditView); err != nil {
		writeServiceError(w, err)
		return
	}

	entries, err := s.authz.AuditTrail(r.Context(), persistence.AuditFilter{
		ActorID:        actorFilter,
		TargetID:       targetFilter,
		RoleID:         roleFilter,
		OrganizationID: orgID,
		Action:         query.Get("action"),
		Limit:          limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		views = append(views, map[string]interface{}{
			"id":             e.ID.String(),
			"action":         e.Action,
			"actorId":        e.ActorID.String(),
			"targetId":       nullUUIDString(e.TargetID),
			"roleId":         nullUUIDString(e.RoleID),
			"organizationId": nullUUIDString(e.OrganizationID),
			"teamId":         nullUUIDString(e.TeamID),
			"metadata":       json.RawMessage(e.Metadata),
			"createdAt":      e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": views})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	actor, ok := actorID(w, claims)
	if !ok {
		return
	}

	if err := s.authz.RequireCapability(r.Context(), actor, uuid.NullUUID{}, uuid.NullUUID{}, permissions.NameUsersView); err != nil {
		writeServiceError(w, err)
		return
	}

	users, err := s.auth.ListUsers(r.Context(), 100)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	views := make([]userDetail, 0, len(users))
	for _, u := range users {
		views = append(views, detailUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": views})
}
