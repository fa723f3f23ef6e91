package credentials

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// DefaultTokenBytes is the entropy of minted bearer tokens.
const DefaultTokenBytes = 32

// NewToken returns n random bytes as URL-safe base64 without padding.
func NewToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewID returns a fresh UUID v4.
func NewID() uuid.UUID {
	return uuid.New()
}
