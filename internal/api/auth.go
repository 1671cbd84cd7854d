package api

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth checks the bearer token guarding every account and mailbox
// endpoint. The configured secret is either the password itself or a bcrypt
// hash of it.
type AdminAuth struct {
	secret []byte
	hashed bool
}

func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{
		secret: []byte(secret),
		hashed: isBcryptHash(secret),
	}
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// Hashed reports whether the secret is a bcrypt hash.
func (a *AdminAuth) Hashed() bool { return a.hashed }

// Check reports whether token matches the configured secret.
func (a *AdminAuth) Check(token string) bool {
	if token == "" || len(a.secret) == 0 {
		return false
	}
	if a.hashed {
		return bcrypt.CompareHashAndPassword(a.secret, []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare(a.secret, []byte(token)) == 1
}
