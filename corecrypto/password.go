// Package corecrypto wraps the cryptographic primitives used across the
// core: password hashing, JWT encode/decode, CSRF key generation and TOTP
// verification. None of it is transport-facing; callers pass and receive
// plain Go values.
package corecrypto

import "golang.org/x/crypto/bcrypt"

// passwordCost matches the legacy PasswordHasher default: expensive enough
// to slow down offline brute force, cheap enough for an interactive login.
const passwordCost = 12

// HashPassword bcrypt-hashes plaintext at passwordCost.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), passwordCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether plaintext matches hash. A malformed or empty
// hash is treated as "does not match", never as an error the caller must
// special-case.
func CheckPassword(hash, plaintext string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
