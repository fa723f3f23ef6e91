package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/authz"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP surface: routing, cookie handling, and the mapping
// from core errors to status codes.
type Server struct {
	auth    *auth.Service
	authz   *authz.Service
	codec   *tokens.Codec
	health  Pinger
	log     zerolog.Logger
	mux     *http.ServeMux
	baseURL string
}

func NewServer(authSvc *auth.Service, authzSvc *authz.Service, codec *tokens.Codec, health Pinger, baseURL string, log zerolog.Logger) *Server {
	s := &Server{
		auth:    authSvc,
		authz:   authzSvc,
		codec:   codec,
		health:  health,
		log:     log,
		mux:     http.NewServeMux(),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /v1/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /v1/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /v1/auth/me", s.requireAuth(s.handleMe))
	s.mux.HandleFunc("POST /v1/auth/change-password", s.requireAuth(s.handleChangePassword))
	s.mux.HandleFunc("POST /v1/auth/verify-email", s.handleVerifyEmail)
	s.mux.HandleFunc("POST /v1/auth/resend-verification", s.handleResendVerification)
	s.mux.HandleFunc("POST /v1/auth/forgot-password", s.handleForgotPassword)
	s.mux.HandleFunc("POST /v1/auth/reset-password", s.handleResetPassword)

	s.mux.HandleFunc("POST /v1/organizations", s.requireAuth(s.handleCreateOrganization))
	s.mux.HandleFunc("GET /v1/organizations", s.requireAuth(s.handleListOrganizations))
	s.mux.HandleFunc("POST /v1/organizations/{orgId}/teams", s.requireAuth(s.handleCreateTeam))

	s.mux.HandleFunc("POST /v1/permissions/grant", s.requireAuth(s.handleGrant))
	s.mux.HandleFunc("POST /v1/permissions/revoke", s.requireAuth(s.handleRevoke))
	s.mux.HandleFunc("GET /v1/permissions/audit", s.requireAuth(s.handleAuditTrail))
	s.mux.HandleFunc("POST /v1/roles", s.requireAuth(s.handleCreateRole))
	s.mux.HandleFunc("GET /v1/roles", s.requireAuth(s.handleListRoles))
	s.mux.HandleFunc("GET /v1/roles/{roleId}", s.requireAuth(s.handleGetRole))
	s.mux.HandleFunc("PUT /v1/roles/{roleId}", s.requireAuth(s.handleUpdateRole))
	s.mux.HandleFunc("DELETE /v1/roles/{roleId}", s.requireAuth(s.handleDeleteRole))
	s.mux.HandleFunc("GET /v1/users/{userId}/permissions", s.requireAuth(s.handleUserPermissions))
	s.mux.HandleFunc("GET /v1/users", s.requireAuth(s.handleListUsers))
}

// ServeHTTP satisfies http.Handler with CORS and request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.loggingMiddleware(s.mux)).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware adds CORS headers for browser requests
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAllowedOrigin(origin string) bool {
	allowed := []string{
		s.baseURL,
		"http://localhost:5173",
		"http://localhost:3000",
	}
	for _, a := range allowed {
		if a != "" && origin == a {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// requireAuth extracts and verifies the bearer token. All rejection causes
// collapse into one 401 message.
func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, tokens.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		claims, err := s.codec.Decode(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next(w, r, claims)
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) >= len("Bearer ") && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
