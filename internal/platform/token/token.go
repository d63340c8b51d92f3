// Package token generates and compares one-time security tokens.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// DefaultLength is the number of random bytes backing a generated token.
const DefaultLength = 50

// Generate returns a URL-safe token carrying length bytes of entropy.
// A length of zero or less falls back to DefaultLength.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SecureCompare reports whether two tokens are equal without leaking timing
// information about where they differ. Comparing against an empty stored
// token is well-defined and false for any non-empty candidate.
func SecureCompare(stored, candidate string) bool {
	storedSum := sha256.Sum256([]byte(stored))
	candidateSum := sha256.Sum256([]byte(candidate))
	return subtle.ConstantTimeCompare(storedSum[:], candidateSum[:]) == 1 && stored == candidate
}
