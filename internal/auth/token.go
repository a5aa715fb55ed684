// Package auth issues and verifies the per-session relay access tokens.
//
// A token is handed out exactly once in the start-session response; only its
// bcrypt hash is kept, so a leaked store never yields a usable token.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

// GenerateToken returns a fresh random token in hex form.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the bcrypt hash of a token for at-rest storage.
func HashToken(token string) ([]byte, error) {
	// Hex tokens are 64 bytes, inside bcrypt's 72-byte input limit.
	return bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
}

// VerifyToken reports whether token matches the stored hash.
func VerifyToken(hash []byte, token string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}
