package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type IdempotencyGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{rdb: rdb, ttl: ttl}
}

// Claim reports false when the key was already claimed within the TTL.
func (g *IdempotencyGuard) Claim(ctx context.Context, key string) (bool, error) {
	return g.rdb.SetNX(ctx, key, "1", g.ttl).Result()
}

// Release lets a failed operation be retried with the same key.
func (g *IdempotencyGuard) Release(ctx context.Context, key string) error {
	return g.rdb.Del(ctx, key).Err()
}
