// Package vault holds secret plaintext in volatile storage. Entries are
// written once and removed by the first successful Take.
package vault

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("vault entry not found")
	ErrCollision = errors.New("could not allocate an unused token")
)

// maxPutAttempts bounds token regeneration on collision.
const maxPutAttempts = 3

// Vault is the write-once, read-once store of secret plaintext.
type Vault interface {
	// Put stores plaintext under a fresh token and returns the token.
	Put(ctx context.Context, plaintext string) (string, error)
	// Take returns the plaintext and removes it in one step. Concurrent
	// callers on the same token observe exactly one success.
	Take(ctx context.Context, token string) (string, error)
	// Len reports the number of live entries.
	Len(ctx context.Context) (int, error)
	Close() error
}

// ValidToken reports whether s has the shape of an issued token
// (32 lowercase hex characters).
func ValidToken(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
