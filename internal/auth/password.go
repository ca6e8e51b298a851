// Package auth implements credential hashing and the per-node password
// cache that drives automatic re-login over the mesh.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2 parameters. These are fixed by the stored-credential format;
// changing them invalidates every stored hash.
const (
	// Iterations is the PBKDF2-HMAC-SHA256 iteration count.
	Iterations = 100_000

	// SaltLen is the random salt length in bytes.
	SaltLen = 16

	// KeyLen is the derived key length in bytes.
	KeyLen = 64
)

// HashPassword derives a key from the password with a fresh random salt.
func HashPassword(password string) (hash, salt []byte, err error) {
	salt = make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	hash = pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
	return hash, salt, nil
}

// VerifyPassword re-derives the key with the stored salt and compares in
// constant time.
func VerifyPassword(password string, hash, salt []byte) bool {
	if len(hash) != KeyLen || len(salt) != SaltLen {
		return false
	}
	derived := pbkdf2.Key([]byte(password), salt, Iterations, KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}
