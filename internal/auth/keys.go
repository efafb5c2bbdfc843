// ABOUTME: Service secret key generation and display masking
// ABOUTME: Keys are random and never derived from the secret's name

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// KeyPrefix starts every generated service secret.
const KeyPrefix = "sk-"

// keyBytes of randomness give 48 hex characters.
const keyBytes = 24

// fixedMask is shown for keys too short to partially reveal.
const fixedMask = "********"

// GenerateKey returns a new random service secret key.
func GenerateKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// MaskKey hides a key for display. Keys of 8 or more characters keep their
// first and last four; shorter keys are fully masked.
func MaskKey(key string) string {
	if len(key) < 8 {
		return fixedMask
	}
	return key[:4] + "****" + key[len(key)-4:]
}
