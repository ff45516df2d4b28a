package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisLimiter struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
}

// NewRedisLimiter returns a fixed-window Limiter shared by every replica.
// Each key may make limit requests per window.
func NewRedisLimiter(client redis.Cmdable, limit int, window time.Duration) Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &redisLimiter{client: client, limit: int64(limit), window: window}
}

func (l *redisLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now()
	slot := now.UnixNano() / int64(l.window)
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, slot)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("redis rate limit: %w", err)
	}

	if incr.Val() > l.limit {
		windowEnd := time.Unix(0, (slot+1)*int64(l.window))
		retry := int(windowEnd.Sub(now).Seconds()) + 1
		return false, retry, nil
	}
	return true, 0, nil
}
