package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

type windowStore interface {
	FixedWindow(ctx context.Context, scope string, window time.Duration) (redis.WindowResult, error)
}

// RedisLimiter is a fixed-window counter shared by every instance pointed at the same Redis.
type RedisLimiter struct {
	store windowStore
}

// NewRedisLimiter wires the limiter to the shared Redis client.
func NewRedisLimiter(store windowStore) (*RedisLimiter, error) {
	if store == nil {
		return nil, errors.New("redis store is required")
	}
	return &RedisLimiter{store: store}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	res, err := l.store.FixedWindow(ctx, key, window)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Count <= int64(limit),
		Limit:      limit,
		Remaining:  remaining(limit, res.Count),
		ResetAfter: res.ResetAfter,
	}, nil
}
