package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// TokenBytes is the entropy of generated state tokens (256 bits).
const TokenBytes = 32

// GenerateSecureToken creates a cryptographically secure random token,
// hex-encoded so it can be embedded in a query string without escaping.
func GenerateSecureToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ConstantTimeEqual compares two tokens without leaking timing information
// about the position of the first mismatch.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
