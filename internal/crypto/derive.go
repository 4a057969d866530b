package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving vault keys from a passphrase.
const (
	deriveTime    uint32 = 3         // iterations
	deriveMemory  uint32 = 64 * 1024 // 64 MB
	deriveThreads uint8  = 1

	// SaltSize is the length of the per-vault derivation salt.
	SaltSize = 16
)

// DeriveKey derives an AES-256 key from a passphrase and salt using Argon2id.
// The same passphrase and salt always produce the same key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, deriveTime, deriveMemory, deriveThreads, KeySize)
}

// GenerateSalt returns a fresh random salt for DeriveKey.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
