// ABOUTME: Credential hashing and verification for agent identities
// ABOUTME: bcrypt with a dummy comparison to keep rejection timing constant

package auth

import (
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when no real hash is available, so a
// rejected login takes the same time whether or not the username exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword returns a bcrypt hash of the given password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash. An
// empty hash performs a dummy comparison and rejects.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// BurnCompare performs a throwaway bcrypt comparison. Called when the
// username lookup fails, to avoid leaking username existence through
// response timing.
func BurnCompare(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
