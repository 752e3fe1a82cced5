package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken calculates a SHA-256 hash of the provided value. Refresh tokens
// are stored only as hashes so a leaked store entry cannot be replayed.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
