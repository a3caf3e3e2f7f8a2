// Package auth implements the proxy's login surface: a passphrase
// directory backed by the session store, a signed session cookie, a
// per-source lockout with throttled operator notification, and the
// double-submit CSRF check used by the HTML login endpoint.
package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// UserRecord is the subset of a stored account auth needs to decide
// whether a set of credentials is valid.
type UserRecord struct {
	Username     string
	PasswordHash string
	Disabled     bool
	Role         string
}

// Role constants. RoleAdmin can see every widget regardless of a rule's
// visible-roles list; RoleUser is the default for new accounts.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// HasRole reports whether role satisfies one of the required roles.
// RoleAdmin always satisfies any requirement.
func HasRole(role string, required ...string) bool {
	if role == RoleAdmin {
		return true
	}
	for _, r := range required {
		if role == r {
			return true
		}
	}
	return false
}

// Directory resolves usernames to accounts. internal/store.Store satisfies
// this with a thin adapter so auth never imports bun/sqlite directly.
type Directory interface {
	GetUser(username string) (*UserRecord, error)
}

// HashPassword bcrypt-hashes a plaintext passphrase for storage.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether plaintext matches the stored bcrypt hash.
// A malformed hash or a mismatch both return false; callers should not
// distinguish the two (both are "authentication failed").
func VerifyPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
