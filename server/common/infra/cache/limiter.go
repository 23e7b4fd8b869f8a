package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// INCR and EXPIRE run atomically so concurrent instances share one counter per window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// FixedWindowLimiter allows at most limit calls per key in each window.
type FixedWindowLimiter struct {
	rdb    *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewFixedWindowLimiter(rdb *redis.Client, prefix string, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window}
}

func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	result, err := fixedWindowScript.Run(ctx, l.rdb, []string{l.prefix + key}, l.limit, l.window.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
