package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/authz"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes an error response with the given status code
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps core sentinel errors to status codes. Role,
// assignment, and user lookups inside the permission flows map to 400, a
// contract carried over from the original surface.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrAlreadyVerified),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, authz.ErrInvalidScope),
		errors.Is(err, authz.ErrSystemRole),
		errors.Is(err, persistence.ErrRoleNotFound),
		errors.Is(err, persistence.ErrAssignmentNotFound),
		errors.Is(err, persistence.ErrAssignmentExists),
		errors.Is(err, persistence.ErrUserNotFound),
		errors.Is(err, persistence.ErrOrganizationNotFound),
		errors.Is(err, persistence.ErrTeamNotFound):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrSocialLoginOnly):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrAccountSuspended),
		errors.Is(err, authz.ErrTargetSuspended),
		errors.Is(err, authz.ErrCapabilityDenied),
		errors.Is(err, authz.ErrCannotGrant),
		errors.Is(err, authz.ErrCannotRevoke),
		errors.Is(err, authz.ErrCannotCreateRole),
		errors.Is(err, authz.ErrCannotUpdateRole),
		errors.Is(err, authz.ErrCannotDeleteRole):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, persistence.ErrEmailInUse):
		writeError(w, http.StatusConflict, "Email already registered")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func isAuthTokenError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken)
}

// parseUUID parses a required UUID string field.
func parseUUID(w http.ResponseWriter, value, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+field)
		return uuid.Nil, false
	}
	return id, true
}

// parseOptionalUUID parses an optional UUID string field; empty means null.
func parseOptionalUUID(w http.ResponseWriter, value, field string) (uuid.NullUUID, bool) {
	if value == "" {
		return uuid.NullUUID{}, true
	}
	id, err := uuid.Parse(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+field)
		return uuid.NullUUID{}, false
	}
	return uuid.NullUUID{UUID: id, Valid: true}, true
}

func nullUUIDString(id uuid.NullUUID) *string {
	if !id.Valid {
		return nil
	}
	s := id.UUID.String()
	return &s
}
