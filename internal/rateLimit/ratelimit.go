package rateLimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	redisadapter "github.com/robertarktes/driving-school-scheduler/internal/adapters/redis"
)

// RateLimiter is the shared inbound limiter used by the HTTP layer. Each key
// is a redis sorted set of request timestamps, trimmed to the window on
// every call, so all api replicas see the same sliding window.
type RateLimiter struct {
	redis *redisadapter.Cache
	now   func() time.Time
}

func NewRateLimiter(redis *redisadapter.Cache) *RateLimiter {
	return &RateLimiter{redis: redis, now: time.Now}
}

// Allow records the request and reports whether it fits in the limit.
// Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) bool {
	fullKey := "rl:" + key
	now := rl.now()
	member := strconv.FormatInt(now.UnixNano(), 10)

	pipe := rl.redis.Client().TxPipeline()
	pipe.ZRemRangeByScore(ctx, fullKey, "-inf", strconv.FormatInt(now.Add(-period).UnixNano(), 10))
	pipe.ZAdd(ctx, fullKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	count := pipe.ZCard(ctx, fullKey)
	pipe.Expire(ctx, fullKey, period)

	if _, err := pipe.Exec(ctx); err != nil {
		return true
	}

	if count.Val() > int64(rate) {
		rl.redis.Client().ZRem(ctx, fullKey, member)
		return false
	}
	return true
}
