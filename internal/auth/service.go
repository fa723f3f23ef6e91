package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatehouse-sh/gatehouse/internal/credentials"
	"github.com/gatehouse-sh/gatehouse/internal/mail"
	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

// Flow outcomes. The HTTP layer owns the status-code mapping.
var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 8 characters with an uppercase letter, a lowercase letter, a digit, and a symbol")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountSuspended   = errors.New("account suspended")
	ErrSocialLoginOnly    = errors.New("this account uses social login")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrAlreadyVerified    = errors.New("email already verified")
)

// Default token lifetimes.
const (
	DefaultRefreshTTL      = 7 * 24 * time.Hour
	DefaultVerificationTTL = 24 * time.Hour
	DefaultResetTTL        = time.Hour
)

// Store is the persistence surface the auth flows need. *persistence.Store
// satisfies it; tests substitute a fake.
type Store interface {
	CreateUser(ctx context.Context, input persistence.NewUserInput) (persistence.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (persistence.User, error)
	GetUserByEmail(ctx context.Context, email string) (persistence.User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	ListUsers(ctx context.Context, limit int) ([]persistence.User, error)

	InsertRefreshToken(ctx context.Context, rec persistence.RefreshToken) error
	GetActiveRefreshToken(ctx context.Context, tokenHash string) (persistence.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id uuid.UUID) error
	RevokeAllRefreshTokens(ctx context.Context, userID uuid.UUID) error

	ReplaceEmailVerificationToken(ctx context.Context, rec persistence.EmailVerificationToken) error
	ConsumeEmailVerificationToken(ctx context.Context, token string) (uuid.UUID, error)
	ReplacePasswordResetToken(ctx context.Context, rec persistence.PasswordResetToken) error
	GetPasswordResetToken(ctx context.Context, token string) (persistence.PasswordResetToken, error)
	MarkPasswordResetTokenUsed(ctx context.Context, id uuid.UUID) error
}

// ClaimsProvider resolves a principal's organization memberships for
// embedding in access tokens.
type ClaimsProvider interface {
	OrganizationClaims(ctx context.Context, userID uuid.UUID) ([]tokens.OrganizationClaim, error)
}

// Session is the result of a successful authentication: the principal plus a
// fresh access/refresh pair.
type Session struct {
	User         persistence.User
	AccessToken  string
	RefreshToken string
}

// Service orchestrates registration, login, token rotation, and the email
// lifecycle flows.
type Service struct {
	store      Store
	codec      *tokens.Codec
	claims     ClaimsProvider
	mailer     mail.Mailer
	refreshTTL time.Duration
	verifyTTL  time.Duration
	resetTTL   time.Duration
	log        zerolog.Logger

	// Hash of a throwaway password, verified against on unknown-email logins
	// so the miss path costs the same as a mismatch.
	decoyHash string

	now func() time.Time
}

type Option func(*Service)

func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, codec *tokens.Codec, claims ClaimsProvider, mailer mail.Mailer, log zerolog.Logger, opts ...Option) (*Service, error) {
	if store == nil || codec == nil || claims == nil || mailer == nil {
		return nil, errors.New("store, codec, claims provider, and mailer are required")
	}

	decoy, err := credentials.NewToken(credentials.DefaultTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate decoy password: %w", err)
	}
	decoyHash, err := credentials.HashPassword(decoy)
	if err != nil {
		return nil, fmt.Errorf("failed to hash decoy password: %w", err)
	}

	s := &Service{
		store:      store,
		codec:      codec,
		claims:     claims,
		mailer:     mailer,
		refreshTTL: DefaultRefreshTTL,
		verifyTTL:  DefaultVerificationTTL,
		resetTTL:   DefaultResetTTL,
		log:        log,
		decoyHash:  decoyHash,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates an account, issues a first session, and requests a
// verification mail. Mail delivery failure never fails the registration.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (Session, error) {
	email = strings.TrimSpace(email)
	if !ValidateEmail(email) {
		return Session{}, ErrInvalidEmail
	}
	if !ValidatePassword(password) {
		return Session{}, ErrWeakPassword
	}

	hash, err := credentials.HashPassword(password)
	if err != nil {
		return Session{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, persistence.NewUserInput{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(displayName),
	})
	if err != nil {
		return Session{}, err
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}

	s.requestVerification(ctx, user)

	s.log.Info().Str("user_id", user.ID.String()).Msg("user registered")
	return session, nil
}

// Login authenticates by email and password. Unknown email and wrong
// password are indistinguishable to the caller, and the miss path runs a
// decoy hash verification so both cost a key derivation.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			_, _ = credentials.VerifyPassword(password, s.decoyHash)
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}

	if user.Status != persistence.StatusActive {
		return Session{}, ErrAccountSuspended
	}
	if !user.HasPassword() {
		return Session{}, ErrSocialLoginOnly
	}

	ok, err := credentials.VerifyPassword(password, user.PasswordHash.String)
	if err != nil {
		return Session{}, fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return Session{}, ErrInvalidCredentials
	}

	if err := s.store.UpdateLastLogin(ctx, user.ID); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to record last login")
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return Session{}, err
	}
	s.log.Info().Str("user_id", user.ID.String()).Msg("user logged in")
	return session, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued atomically from the caller's perspective. Concurrent
// presentations of the same token race on the revocation update; exactly one
// wins.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	rec, err := s.store.GetActiveRefreshToken(ctx, credentials.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, persistence.ErrRefreshTokenNotFound) {
			return Session{}, ErrInvalidToken
		}
		return Session{}, err
	}

	if err := s.store.RevokeRefreshToken(ctx, rec.ID); err != nil {
		if errors.Is(err, persistence.ErrRefreshTokenNotFound) {
			// Lost the rotation race: another request already spent it.
			return Session{}, ErrInvalidToken
		}
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return Session{}, err
	}
	if user.Status != persistence.StatusActive {
		return Session{}, ErrAccountSuspended
	}

	return s.issueSession(ctx, user)
}

// Logout is best-effort on both tokens and never fails: the access token's
// jti goes on the blacklist and the refresh token is revoked if still active.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) {
	if accessToken != "" {
		claims, err := s.codec.Decode(ctx, accessToken)
		if err == nil {
			if err := s.codec.Revoke(ctx, claims); err != nil {
				s.log.Warn().Err(err).Msg("failed to blacklist access token on logout")
			}
		}
	}

	if refreshToken != "" {
		rec, err := s.store.GetActiveRefreshToken(ctx, credentials.HashToken(refreshToken))
		if err == nil {
			if err := s.store.RevokeRefreshToken(ctx, rec.ID); err != nil &&
				!errors.Is(err, persistence.ErrRefreshTokenNotFound) {
				s.log.Warn().Err(err).Msg("failed to revoke refresh token on logout")
			}
		}
	}
}

// CurrentUser loads the principal behind already-verified claims.
func (s *Service) CurrentUser(ctx context.Context, userID uuid.UUID) (persistence.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

// ListUsers exposes the admin listing.
func (s *Service) ListUsers(ctx context.Context, limit int) ([]persistence.User, error) {
	return s.store.ListUsers(ctx, limit)
}

// ChangePassword verifies the current password, stores the new hash, and
// revokes every outstanding refresh token so stolen sessions die with the
// old password.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, next string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.HasPassword() {
		return ErrSocialLoginOnly
	}

	ok, err := credentials.VerifyPassword(current, user.PasswordHash.String)
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if !ValidatePassword(next) {
		return ErrWeakPassword
	}

	hash, err := credentials.HashPassword(next)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.store.SetPasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	if err := s.store.RevokeAllRefreshTokens(ctx, userID); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordChanged(ctx, user.Email); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to send password-changed notice")
	}
	s.log.Info().Str("user_id", userID.String()).Msg("password changed")
	return nil
}

// VerifyEmail consumes a verification token. Consumption is single-use: the
// row is deleted in the same statement that validates it.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	userID, err := s.store.ConsumeEmailVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, persistence.ErrLifecycleTokenNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.MarkEmailVerified(ctx, userID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID.String()).Msg("email verified")
	return nil
}

// ResendVerification mints a fresh token, replacing any outstanding one. An
// unknown email succeeds silently.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.EmailVerified {
		return ErrAlreadyVerified
	}
	s.requestVerification(ctx, user)
	return nil
}

// ForgotPassword starts the reset flow. The response is identical whether
// the email is unknown, unverified, or suspended; only an active verified
// account actually receives a token.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, persistence.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if user.Status != persistence.StatusActive || !user.EmailVerified {
		s.log.Info().Str("user_id", user.ID.String()).Msg("password reset skipped for ineligible account")
		return nil
	}

	token, err := credentials.NewToken(credentials.DefaultTokenBytes)
	if err != nil {
		return fmt.Errorf("failed to mint reset token: %w", err)
	}
	rec := persistence.PasswordResetToken{
		ID:        credentials.NewID(),
		UserID:    user.ID,
		Token:     token,
		ExpiresAt: s.now().UTC().Add(s.resetTTL),
	}
	if err := s.store.ReplacePasswordResetToken(ctx, rec); err != nil {
		return err
	}

	if err := s.mailer.SendPasswordReset(ctx, user.Email, token); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to send password reset mail")
	}
	return nil
}

// ResetPassword spends a reset token. The used-at mark is the single-use
// gate and is claimed before the hash changes, so two racing requests cannot
// both reset.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	rec, err := s.store.GetPasswordResetToken(ctx, token)
	if err != nil {
		if errors.Is(err, persistence.ErrLifecycleTokenNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if rec.UsedAt.Valid || s.now().UTC().After(rec.ExpiresAt) {
		return ErrInvalidToken
	}

	if !ValidatePassword(newPassword) {
		return ErrWeakPassword
	}
	hash, err := credentials.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := s.store.MarkPasswordResetTokenUsed(ctx, rec.ID); err != nil {
		if errors.Is(err, persistence.ErrLifecycleTokenNotFound) {
			return ErrInvalidToken
		}
		return err
	}
	if err := s.store.SetPasswordHash(ctx, rec.UserID, hash); err != nil {
		return err
	}
	if err := s.store.RevokeAllRefreshTokens(ctx, rec.UserID); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, rec.UserID)
	if err == nil {
		if err := s.mailer.SendPasswordChanged(ctx, user.Email); err != nil {
			s.log.Warn().Err(err).Str("user_id", rec.UserID.String()).Msg("failed to send password-changed notice")
		}
	}
	s.log.Info().Str("user_id", rec.UserID.String()).Msg("password reset")
	return nil
}

// MintAccessToken issues a fresh access token for an existing principal,
// with current organization claims.
func (s *Service) MintAccessToken(ctx context.Context, user persistence.User) (string, error) {
	orgs, err := s.claims.OrganizationClaims(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("failed to resolve organization claims: %w", err)
	}
	signed, _, err := s.codec.Mint(tokens.MintInput{
		UserID:        user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		DisplayName:   user.DisplayName.String,
		AvatarURL:     user.AvatarURL.String,
		Organizations: orgs,
	})
	return signed, err
}

// RefreshTTL exposes the refresh-token lifetime for cookie expiry.
func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

func (s *Service) issueSession(ctx context.Context, user persistence.User) (Session, error) {
	access, err := s.MintAccessToken(ctx, user)
	if err != nil {
		return Session{}, err
	}

	refresh, err := credentials.NewToken(credentials.DefaultTokenBytes)
	if err != nil {
		return Session{}, fmt.Errorf("failed to mint refresh token: %w", err)
	}
	rec := persistence.RefreshToken{
		ID:        credentials.NewID(),
		UserID:    user.ID,
		TokenHash: credentials.HashToken(refresh),
		ExpiresAt: s.now().UTC().Add(s.refreshTTL),
	}
	if err := s.store.InsertRefreshToken(ctx, rec); err != nil {
		return Session{}, err
	}

	return Session{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) requestVerification(ctx context.Context, user persistence.User) {
	token, err := credentials.NewToken(credentials.DefaultTokenBytes)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to mint verification token")
		return
	}
	rec := persistence.EmailVerificationToken{
		ID:        credentials.NewID(),
		UserID:    user.ID,
		Token:     token,
		Email:     user.Email,
		ExpiresAt: s.now().UTC().Add(s.verifyTTL),
	}
	if err := s.store.ReplaceEmailVerificationToken(ctx, rec); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to store verification token")
		return
	}
	if err := s.mailer.SendVerification(ctx, user.Email, token); err != nil {
		s.log.Warn().Err(err).Str("user_id", user.ID.String()).Msg("failed to send verification mail")
	}
}
