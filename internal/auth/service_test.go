package auth

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sh/gatehouse/internal/persistence"
	"github.com/gatehouse-sh/gatehouse/internal/tokens"
)

type fakeStore struct {
	users         map[uuid.UUID]persistence.User
	refresh       map[uuid.UUID]persistence.RefreshToken
	verifications map[uuid.UUID]persistence.EmailVerificationToken
	resets        map[uuid.UUID]persistence.PasswordResetToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:         make(map[uuid.UUID]persistence.User),
		refresh:       make(map[uuid.UUID]persistence.RefreshToken),
		verifications: make(map[uuid.UUID]persistence.EmailVerificationToken),
		resets:        make(map[uuid.UUID]persistence.PasswordResetToken),
	}
}

func (f *fakeStore) CreateUser(_ context.Context, input persistence.NewUserInput) (persistence.User, error) {
	email := strings.ToLower(strings.TrimSpace(input.Email))
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			return persistence.User{}, persistence.ErrEmailInUse
		}
	}
	user := persistence.User{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: sql.NullString{String: input.PasswordHash, Valid: input.PasswordHash != ""},
		DisplayName:  sql.NullString{String: input.DisplayName, Valid: input.DisplayName != ""},
		Status:       persistence.StatusActive,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id uuid.UUID) (persistence.User, error) {
	user, ok := f.users[id]
	if !ok {
		return persistence.User{}, persistence.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (persistence.User, error) {
	for _, u := range f.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return u, nil
		}
	}
	return persistence.User{}, persistence.ErrUserNotFound
}

func (f *fakeStore) UpdateLastLogin(_ context.Context, id uuid.UUID) error {
	user, ok := f.users[id]
	if !ok {
		return persistence.ErrUserNotFound
	}
	user.LastLoginAt = sql.NullTime{Time: time.Now(), Valid: true}
	f.users[id] = user
	return nil
}

func (f *fakeStore) SetPasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	user, ok := f.users[id]
	if !ok {
		return persistence.ErrUserNotFound
	}
	user.PasswordHash = sql.NullString{String: hash, Valid: true}
	f.users[id] = user
	return nil
}

func (f *fakeStore) MarkEmailVerified(_ context.Context, id uuid.UUID) error {
	user, ok := f.users[id]
	if !ok {
		return persistence.ErrUserNotFound
	}
	user.EmailVerified = true
	f.users[id] = user
	return nil
}

func (f *fakeStore) ListUsers(_ context.Context, limit int) ([]persistence.User, error) {
	var out []persistence.User
	for _, u := range f.users {
		out = append(out, u)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) InsertRefreshToken(_ context.Context, rec persistence.RefreshToken) error {
	f.refresh[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetActiveRefreshToken(_ context.Context, tokenHash string) (persistence.RefreshToken, error) {
	for _, rec := range f.refresh {
		if rec.TokenHash == tokenHash && !rec.RevokedAt.Valid && rec.ExpiresAt.After(time.Now()) {
			return rec, nil
		}
	}
	return persistence.RefreshToken{}, persistence.ErrRefreshTokenNotFound
}

func (f *fakeStore) RevokeRefreshToken(_ context.Context, id uuid.UUID) error {
	rec, ok := f.refresh[id]
	if !ok || rec.RevokedAt.Valid {
		return persistence.ErrRefreshTokenNotFound
	}
	rec.RevokedAt = sql.NullTime{Time: time.Now(), Valid: true}
	f.refresh[id] = rec
	return nil
}

func (f *fakeStore) RevokeAllRefreshTokens(_ context.Context, userID uuid.UUID) error {
	for id, rec := range f.refresh {
		if rec.UserID == userID && !rec.RevokedAt.Valid {
			rec.RevokedAt = sql.NullTime{Time: time.Now(), Valid: true}
			f.refresh[id] = rec
		}
	}
	return nil
}

func (f *fakeStore) ReplaceEmailVerificationToken(_ context.Context, rec persistence.EmailVerificationToken) error {
	for id, existing := range f.verifications {
		if existing.UserID == rec.UserID {
			delete(f.verifications, id)
		}
	}
	f.verifications[rec.ID] = rec
	return nil
}

func (f *fakeStore) ConsumeEmailVerificationToken(_ context.Context, token string) (uuid.UUID, error) {
	for id, rec := range f.verifications {
		if rec.Token == token && rec.ExpiresAt.After(time.Now()) {
			delete(f.verifications, id)
			return rec.UserID, nil
		}
	}
	return uuid.Nil, persistence.ErrLifecycleTokenNotFound
}

func (f *fakeStore) ReplacePasswordResetToken(_ context.Context, rec persistence.PasswordResetToken) error {
	for id, existing := range f.resets {
		if existing.UserID == rec.UserID && !existing.UsedAt.Valid {
			delete(f.resets, id)
		}
	}
	f.resets[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetPasswordResetToken(_ context.Context, token string) (persistence.PasswordResetToken, error) {
	for _, rec := range f.resets {
		if rec.Token == token {
			return rec, nil
		}
	}
	return persistence.PasswordResetToken{}, persistence.ErrLifecycleTokenNotFound
}

func (f *fakeStore) MarkPasswordResetTokenUsed(_ context.Context, id uuid.UUID) error {
	rec, ok := f.resets[id]
	if !ok || rec.UsedAt.Valid {
		return persistence.ErrLifecycleTokenNotFound
	}
	rec.UsedAt = sql.NullTime{Time: time.Now(), Valid: true}
	f.resets[id] = rec
	return nil
}

func (f *fakeStore) activeRefreshCount(userID uuid.UUID) int {
	n := 0
	for _, rec := range f.refresh {
		if rec.UserID == userID && !rec.RevokedAt.Valid {
			n++
		}
	}
	return n
}

func (f *fakeStore) latestVerificationToken(userID uuid.UUID) string {
	for _, rec := range f.verifications {
		if rec.UserID == userID {
			return rec.Token
		}
	}
	return ""
}

func (f *fakeStore) latestResetToken(userID uuid.UUID) string {
	for _, rec := range f.resets {
		if rec.UserID == userID && !rec.UsedAt.Valid {
			return rec.Token
		}
	}
	return ""
}

type stubMailer struct {
	verifications []string
	resets        []string
	changed       []string
}

func (m *stubMailer) SendVerification(_ context.Context, to, _ string) error {
	m.verifications = append(m.verifications, to)
	return nil
}

func (m *stubMailer) SendPasswordReset(_ context.Context, to, _ string) error {
	m.resets = append(m.resets, to)
	return nil
}

func (m *stubMailer) SendPasswordChanged(_ context.Context, to string) error {
	m.changed = append(m.changed, to)
	return nil
}

type stubClaims struct{}

func (stubClaims) OrganizationClaims(context.Context, uuid.UUID) ([]tokens.OrganizationClaim, error) {
	return []tokens.OrganizationClaim{}, nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *stubMailer) {
	t.Helper()
	store := newFakeStore()
	mailer := &stubMailer{}
	codec, err := tokens.NewCodec([]byte("test-secret"), 15*time.Minute, tokens.NewMemoryBlacklist())
	require.NoError(t, err)
	svc, err := NewService(store, codec, stubClaims{}, mailer, zerolog.Nop())
	require.NoError(t, err)
	return svc, store, mailer
}

func TestRegister(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.Equal(t, "user@example.com", session.User.Email)
	assert.False(t, session.User.EmailVerified)

	assert.Equal(t, []string{"user@example.com"}, mailer.verifications)
	assert.NotEmpty(t, store.latestVerificationToken(session.User.ID))

	_, err = svc.Register(ctx, "user@example.com", "SecureP@ss123", "other")
	assert.ErrorIs(t, err, persistence.ErrEmailInUse)
}

func TestDefaultRefreshTTLIsSevenDays(t *testing.T) {
	store := newFakeStore()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	codec, err := tokens.NewCodec([]byte("test-secret"), 15*time.Minute, tokens.NewMemoryBlacklist())
	require.NoError(t, err)
	svc, err := NewService(store, codec, stubClaims{}, &stubMailer{}, zerolog.Nop(),
		WithClock(func() time.Time { return start }))
	require.NoError(t, err)

	assert.Equal(t, 7*24*time.Hour, svc.RefreshTTL())

	session, err := svc.Register(context.Background(), "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	var rec persistence.RefreshToken
	for _, r := range store.refresh {
		if r.UserID == session.User.ID {
			rec = r
		}
	}
	assert.Equal(t, start.Add(7*24*time.Hour), rec.ExpiresAt)
}

func TestRegisterValidation(t *testing.T) {
	svc, _, mailer := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "SecureP@ss123", "jane")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	for _, weak := range []string{"short1!", "alllowercase1!", "ALLUPPERCASE1!", "NoDigits!!", "NoSymbols123"} {
		_, err := svc.Register(ctx, "user@example.com", weak, "jane")
		assert.ErrorIs(t, err, ErrWeakPassword, weak)
	}
	assert.Empty(t, mailer.verifications)
}

func TestLogin(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	session, err := svc.Login(ctx, "User@Example.com", "SecureP@ss123")
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.True(t, store.users[session.User.ID].LastLoginAt.Valid)
}

func TestLoginEnumerationOpacity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	// Unknown email and wrong password yield the identical error.
	_, unknownErr := svc.Login(ctx, "nobody@example.com", "SecureP@ss123")
	_, wrongErr := svc.Login(ctx, "user@example.com", "WrongP@ss123")
	assert.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	assert.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestLoginSuspended(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	user := store.users[session.User.ID]
	user.Status = persistence.StatusSuspended
	store.users[user.ID] = user

	_, err = svc.Login(ctx, "user@example.com", "SecureP@ss123")
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestLoginSocialOnly(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user := persistence.User{ID: uuid.New(), Email: "social@example.com", Status: persistence.StatusActive}
	store.users[user.ID] = user

	_, err := svc.Login(ctx, "social@example.com", "anything")
	assert.ErrorIs(t, err, ErrSocialLoginOnly)
}

func TestRefreshRotationSingleUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)

	// The consumed token is spent.
	_, err = svc.Refresh(ctx, session.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// The replacement still works.
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshRejectsGarbage(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Refresh(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogoutRevokesBothTokens(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	svc.Logout(ctx, session.AccessToken, session.RefreshToken)

	_, err = svc.codec.Decode(ctx, session.AccessToken)
	assert.ErrorIs(t, err, tokens.ErrTokenRevoked)
	assert.Zero(t, store.activeRefreshCount(session.User.ID))

	// Logout with spent or bogus tokens still succeeds silently.
	svc.Logout(ctx, "garbage", "garbage")
}

func TestChangePassword(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)
	userID := session.User.ID

	err = svc.ChangePassword(ctx, userID, "WrongP@ss123", "NewSecure@456")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = svc.ChangePassword(ctx, userID, "SecureP@ss123", "weak")
	assert.ErrorIs(t, err, ErrWeakPassword)

	require.NoError(t, svc.ChangePassword(ctx, userID, "SecureP@ss123", "NewSecure@456"))

	// Every outstanding continuation token is revoked.
	assert.Zero(t, store.activeRefreshCount(userID))
	assert.Equal(t, []string{"user@example.com"}, mailer.changed)

	_, err = svc.Login(ctx, "user@example.com", "SecureP@ss123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "user@example.com", "NewSecure@456")
	assert.NoError(t, err)
}

func TestVerifyEmailFlow(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)
	token := store.latestVerificationToken(session.User.ID)
	require.NotEmpty(t, token)

	require.NoError(t, svc.VerifyEmail(ctx, token))
	assert.True(t, store.users[session.User.ID].EmailVerified)

	// The token is consumed on first use.
	assert.ErrorIs(t, svc.VerifyEmail(ctx, token), ErrInvalidToken)
	assert.ErrorIs(t, svc.VerifyEmail(ctx, "bogus"), ErrInvalidToken)
}

func TestResendVerification(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)
	first := store.latestVerificationToken(session.User.ID)

	// Unknown email succeeds silently and sends nothing.
	require.NoError(t, svc.ResendVerification(ctx, "nobody@example.com"))
	assert.Len(t, mailer.verifications, 1)

	require.NoError(t, svc.ResendVerification(ctx, "user@example.com"))
	assert.Len(t, mailer.verifications, 2)
	assert.NotEqual(t, first, store.latestVerificationToken(session.User.ID))

	require.NoError(t, svc.VerifyEmail(ctx, store.latestVerificationToken(session.User.ID)))
	assert.ErrorIs(t, svc.ResendVerification(ctx, "user@example.com"), ErrAlreadyVerified)
}

func TestForgotPassword(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)

	// Unknown email: opaque success, no mail.
	require.NoError(t, svc.ForgotPassword(ctx, "nobody@example.com"))
	assert.Empty(t, mailer.resets)

	// Unverified account: same opaque success, still no mail.
	require.NoError(t, svc.ForgotPassword(ctx, "user@example.com"))
	assert.Empty(t, mailer.resets)

	require.NoError(t, svc.VerifyEmail(ctx, store.latestVerificationToken(session.User.ID)))
	require.NoError(t, svc.ForgotPassword(ctx, "user@example.com"))
	assert.Equal(t, []string{"user@example.com"}, mailer.resets)
	assert.NotEmpty(t, store.latestResetToken(session.User.ID))
}

func TestResetPasswordSingleUse(t *testing.T) {
	svc, store, mailer := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "user@example.com", "SecureP@ss123", "jane")
	require.NoError(t, err)
	userID := session.User.ID
	require.NoError(t, svc.VerifyEmail(ctx, store.latestVerificationToken(userID)))
	require.NoError(t, svc.ForgotPassword(ctx, "user@example.com"))

	token := store.latestResetToken(userID)
	require.NotEmpty(t, token)

	assert.ErrorIs(t, svc.ResetPassword(ctx, token, "weak"), ErrWeakPassword)
	require.NoError(t, svc.ResetPassword(ctx, token, "NewSecure@456"))

	// Used-at is claimed; a second spend fails.
	assert.ErrorIs(t, svc.ResetPassword(ctx, token, "Another@789"), ErrInvalidToken)
	assert.ErrorIs(t, svc.ResetPassword(ctx, "bogus", "Another@789"), ErrInvalidToken)

	// Sessions from before the reset are dead.
	assert.Zero(t, store.activeRefreshCount(userID))
	assert.Equal(t, []string{"user@example.com"}, mailer.changed)

	_, err = svc.Login(ctx, "user@example.com", "NewSecure@456")
	assert.NoError(t, err)
}
