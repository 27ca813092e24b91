package auth

import (
	"crypto/rand"
	"encoding/hex"
)

const sessionIDBytes = 32

// NewSessionID returns 256 bits from the OS CSPRNG, hex encoded.
func NewSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
