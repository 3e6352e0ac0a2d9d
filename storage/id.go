package storage

import (
	"crypto/rand"
	"io"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newSecureID returns a random string of length n drawn from idAlphabet
// using a CSPRNG. Never reuse the result across entities.
func newSecureID(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}

// NewUserID returns a 32-char alphanumeric user identifier.
func NewUserID() string { return newSecureID(32) }

// NewToken returns a 32-char alphanumeric token (access, refresh, code,
// constant, verification code).
func NewToken() string { return newSecureID(32) }

// NewAuthorizationID returns a 16-char alphanumeric pending-authorization id.
func NewAuthorizationID() string { return newSecureID(16) }

// NewClientID returns a 32-char alphanumeric OAuth2 client id.
func NewClientID() string { return newSecureID(32) }

// NewClientSecret returns a 48-char alphanumeric OAuth2 client secret.
func NewClientSecret() string { return newSecureID(48) }

// NewTemporaryPassword returns a 16-char alphanumeric temporary password
// used by the forgotten-password flow.
func NewTemporaryPassword() string { return newSecureID(16) }
