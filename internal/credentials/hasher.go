package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 100_000
	saltLength       = 16
	keyLength        = 32
)

// ErrInvalidHash marks a stored password blob that cannot be decoded or is
// too short to contain a salt and derived key.
var ErrInvalidHash = errors.New("invalid password hash")

// HashPassword derives a PBKDF2-HMAC-SHA256 key from the password with a
// fresh random salt and returns base64(salt || key).
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, key...)), nil
}

// VerifyPassword re-derives the key with the stored salt and compares in
// constant time. It returns ErrInvalidHash for undecodable or truncated
// blobs and false for a clean mismatch.
func VerifyPassword(password, encoded string) (bool, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, ErrInvalidHash
	}
	if len(blob) < saltLength+keyLength {
		return false, ErrInvalidHash
	}
	salt := blob[:saltLength]
	stored := blob[saltLength : saltLength+keyLength]
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, keyLength, sha256.New)
	return subtle.ConstantTimeCompare(stored, derived) == 1, nil
}

// HashToken returns the SHA-256 fingerprint of an opaque bearer token,
// base64-encoded. Equality is the only query run against it, so no salt.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}
