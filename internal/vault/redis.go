package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"onetime.share/internal/crypto"
)

var _ Vault = (*RedisVault)(nil)

// RedisVault keeps entries in Redis so several processes can share one
// vault. Take relies on GETDEL, which is atomic on the server.
type RedisVault struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	newToken  func() string
}

// RedisOptions configures a RedisVault. Retention 0 keeps unread entries
// until Redis evicts them.
type RedisOptions struct {
	Client    *redis.Options
	Prefix    string
	Retention time.Duration
}

func NewRedisVault(opts RedisOptions) (*RedisVault, error) {
	client := redis.NewClient(opts.Client)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "onetime:"
	}

	return &RedisVault{
		client:    client,
		prefix:    prefix,
		retention: opts.Retention,
		newToken:  crypto.NewToken,
	}, nil
}

func (r *RedisVault) Put(ctx context.Context, plaintext string) (string, error) {
	for i := 0; i < maxPutAttempts; i++ {
		token := r.newToken()
		ok, err := r.client.SetNX(ctx, r.key(token), plaintext, r.retention).Result()
		if err != nil {
			return "", fmt.Errorf("storing vault entry: %w", err)
		}
		if ok {
			return token, nil
		}
	}
	return "", ErrCollision
}

func (r *RedisVault) Take(ctx context.Context, token string) (string, error) {
	plaintext, err := r.client.GetDel(ctx, r.key(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("taking vault entry: %w", err)
	}
	return plaintext, nil
}

// Len counts entries with SCAN; it is meant for metrics, not hot paths.
func (r *RedisVault) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 500).Result()
		if err != nil {
			return 0, fmt.Errorf("scanning vault: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (r *RedisVault) Close() error {
	return r.client.Close()
}

func (r *RedisVault) key(token string) string {
	return r.prefix + "secret:" + token
}
