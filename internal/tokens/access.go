package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Decode outcomes. The HTTP layer maps all of them to a single 401 so that
// callers cannot distinguish why a token was rejected.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenRevoked = errors.New("token revoked")
)

// DefaultAccessTTL is the access-token lifetime when none is configured.
const DefaultAccessTTL = 15 * time.Minute

// OrganizationClaim is one entry of the permissions block: the principal's
// membership in an organization with its effective bitmap halves rendered as
// decimal strings.
type OrganizationClaim struct {
	ID          string   `json:"id"`
	Role        string   `json:"role"` // "owner" or "member"
	Permissions []string `json:"permissions"`
}

// PermissionsClaim carries the principal's organization memberships. The
// resources list is reserved and always empty today.
type PermissionsClaim struct {
	Organizations []OrganizationClaim `json:"organizations"`
	Resources     []any               `json:"resources"`
}

// Claims is the access-token payload.
type Claims struct {
	jwt.RegisteredClaims
	Email         string           `json:"email"`
	EmailVerified bool             `json:"email_verified"`
	DisplayName   string           `json:"display_name"`
	AvatarURL     string           `json:"avatar_url,omitempty"`
	Permissions   PermissionsClaim `json:"permissions"`
}

// UserID parses the subject claim.
func (c Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token contains invalid subject: %w", err)
	}
	return id, nil
}

// MintInput is everything the codec needs to issue a token.
type MintInput struct {
	UserID        uuid.UUID
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
	Organizations []OrganizationClaim
}

// Codec signs and verifies HS256 access tokens and gates decoded tokens
// through the blacklist.
type Codec struct {
	secret    []byte
	ttl       time.Duration
	blacklist Blacklist
	now       func() time.Time
}

func NewCodec(secret []byte, ttl time.Duration, blacklist Blacklist) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if blacklist == nil {
		return nil, errors.New("blacklist is required")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	return &Codec{secret: secret, ttl: ttl, blacklist: blacklist, now: time.Now}, nil
}

// Mint issues a signed token with a fresh jti and the configured lifetime.
func (c *Codec) Mint(input MintInput) (string, Claims, error) {
	now := c.now().UTC()
	orgs := input.Organizations
	if orgs == nil {
		orgs = []OrganizationClaim{}
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   input.UserID.String(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Email:         input.Email,
		EmailVerified: input.EmailVerified,
		DisplayName:   input.DisplayName,
		AvatarURL:     input.AvatarURL,
		Permissions: PermissionsClaim{
			Organizations: orgs,
			Resources:     []any{},
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, claims, nil
}

// Decode verifies signature and expiry, then consults the blacklist. Only a
// signature-valid token ever reaches the blacklist lookup.
func (c *Codec) Decode(ctx context.Context, token string) (Claims, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrTokenInvalid
	}
	if !parsed.Valid {
		return Claims{}, ErrTokenInvalid
	}

	revoked, err := c.blacklist.Contains(ctx, claims.ID)
	if err != nil {
		return Claims{}, fmt.Errorf("failed to consult blacklist: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke blacklists the token's jti until its original expiry.
func (c *Codec) Revoke(ctx context.Context, claims Claims) error {
	if claims.ID == "" || claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	return c.blacklist.Add(ctx, claims.ID, claims.ExpiresAt.Time)
}

// TTL exposes the configured access-token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}
