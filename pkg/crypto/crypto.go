// Package crypto provides session key generation and secret hashing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// SessionKeyBytes is the entropy of a generated session key.
	SessionKeyBytes = 32

	saltBytes   = 16
	hashScheme  = "argon2id"
	hashTime    = 1
	hashMemory  = 64 * 1024
	hashThreads = 4
	hashKeyLen  = 32
)

var ErrMalformedHash = errors.New("crypto: malformed password hash")

// GenerateSessionKey returns a random hex encoded session key.
func GenerateSessionKey() (string, error) {
	b := make([]byte, SessionKeyBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate session key: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// HashToken hashes a session key with SHA-256 for storage.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h[:])
}

// HashPassword hashes a password with Argon2id and a fresh random salt.
// The result has the form "argon2id$<salt>$<key>" with base64 fields.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("crypto: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, hashTime, hashMemory, hashThreads, hashKeyLen)
	enc := base64.RawStdEncoding
	return hashScheme + "$" + enc.EncodeToString(salt) + "$" + enc.EncodeToString(key), nil
}

// VerifyPassword reports whether password matches an encoded hash produced by
// HashPassword.
func VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 3 || parts[0] != hashScheme {
		return false, ErrMalformedHash
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[1])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := enc.DecodeString(parts[2])
	if err != nil || len(want) == 0 {
		return false, ErrMalformedHash
	}
	got := argon2.IDKey([]byte(password), salt, hashTime, hashMemory, hashThreads, uint32(len(want))) //nolint:gosec // length of a decoded 32-byte key
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
