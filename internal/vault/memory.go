package vault

import (
	"context"
	"sync"

	"onetime.share/internal/crypto"
)

// Compile-time interface check
var _ Vault = (*MemoryVault)(nil)

// MemoryVault keeps entries in a process-local map. Unread entries live
// until the process exits.
type MemoryVault struct {
	mu       sync.Mutex
	entries  map[string]string
	newToken func() string
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		entries:  make(map[string]string),
		newToken: crypto.NewToken,
	}
}

func (v *MemoryVault) Put(ctx context.Context, plaintext string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := 0; i < maxPutAttempts; i++ {
		token := v.newToken()
		if _, live := v.entries[token]; live {
			continue
		}
		v.entries[token] = plaintext
		return token, nil
	}
	return "", ErrCollision
}

func (v *MemoryVault) Take(ctx context.Context, token string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	plaintext, ok := v.entries[token]
	if !ok {
		return "", ErrNotFound
	}
	delete(v.entries, token)
	return plaintext, nil
}

func (v *MemoryVault) Len(ctx context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.entries), nil
}

func (v *MemoryVault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries = make(map[string]string)
	return nil
}
