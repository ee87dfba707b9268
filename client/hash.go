package client

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// HashPassword is the one-way digest sent in place of the raw password.
func HashPassword(password string) string {
	sum := blake2b.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
