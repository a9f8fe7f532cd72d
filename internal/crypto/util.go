package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/osmn-byhn/tamga/internal/misc"
)

// CalculateChecksum returns the hex SHA-256 of data. Backup listings use it
// to flag truncated or altered bundle files.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RandomBytes reads n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// NewSalt generates a fresh vault salt.
func NewSalt() ([]byte, error) {
	return RandomBytes(misc.SaltSize)
}
