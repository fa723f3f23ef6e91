package server

import (
	"net/http"
	"time"

	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

const refreshCookieName = "refreshToken"

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.auth.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshCookieValue(r *http.Request) string {
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

type userSummary struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	EmailVerified *bool  `json:"emailVerified,omitempty"`
}

func summarizeUser(u persistence.User, withVerified bool) userSummary {
	out := userSummary{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName.String,
	}
	if withVerified {
		v := u.EmailVerified
		out.EmailVerified = &v
	}
	return out
}

type userDetail struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	DisplayName   string     `json:"displayName"`
	AvatarURL     string     `json:"avatarUrl,omitempty"`
	EmailVerified bool       `json:"emailVerified"`
	Status        string     `json:"status"`
	MFAEnabled    bool       `json:"mfaEnabled"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	LastLoginAt   *time.Time `json:"lastLoginAt"`
}

func detailUser(u persistence.User) userDetail {
	out := userDetail{
		ID:            u.ID.String(),
		Email:         u.Email,
		DisplayName:   u.DisplayName.String,
		AvatarURL:     u.AvatarURL.String,
		EmailVerified: u.EmailVerified,
		Status:        u.Status,
		MFAEnabled:    u.MFAEnabled,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
	if u.LastLoginAt.Valid {
		t := u.LastLoginAt.Time
		out.LastLoginAt = &t
	}
	return out
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := s.auth.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.setRefreshCookie(w, session.RefreshToken)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":     "Registration successful. Please check your email to verify your account.",
		"accessToken": session.AccessToken,
		"user":        summarizeUser(session.User, false),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	s.setRefreshCookie(w, session.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Login successful",
		"accessToken": session.AccessToken,
		"user":        summarizeUser(session.User, true),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	token := refreshCookieValue(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	session, err := s.auth.Refresh(r.Context(), token)
	if err != nil {
		// The held token is spent or bogus either way.
		s.clearRefreshCookie(w)
		writeServiceErrorAs401(w, err)
		return
	}

	s.setRefreshCookie(w, session.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": session.AccessToken})
}

// writeServiceErrorAs401 is the refresh-path mapping: a rejected continuation
// token is an authentication failure, not bad input.
func writeServiceErrorAs401(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case isAuthTokenError(err):
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
	default:
		writeServiceError(w, err)
	}
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Logout(r.Context(), bearerToken(r), refreshCookieValue(r))
	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	user, err := s.auth.CurrentUser(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": detailUser(user)})
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, claims tokens.Claims) {
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if err := s.auth.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password changed"})
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.VerifyEmail(r.Context(), req.Token); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified"})
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.ResendVerification(r.Context(), req.Email); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "If the account exists, a verification email has been sent"})
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.ForgotPassword(r.Context(), req.Email); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "If the account exists, a password reset email has been sent"})
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.auth.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password reset"})
}
