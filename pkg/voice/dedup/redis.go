package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend shares the dedup window between clients of the same user,
// e.g. two tabs or a reconnecting process. Keys are fingerprints, which
// already carry the user scope.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "vai-voice:dedup:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// NewRedisBackendFromURL parses a redis:// URL.
func NewRedisBackendFromURL(rawURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBackend(redis.NewClient(opts), prefix), nil
}

func (r *RedisBackend) Claim(ctx context.Context, key string, _ time.Time, window time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim fingerprint: %w", err)
	}
	return ok, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
