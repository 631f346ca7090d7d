package redis

import (
	"context"
	"time"
)

// WindowResult is the state of a fixed-window counter after an increment.
type WindowResult struct {
	Count      int64
	ResetAfter time.Duration
}

// IncrWithTTL increments key and arms its TTL on the first hit of a window.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	count, err := c.store.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 && ttl > 0 {
		if err := c.store.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FixedWindow counts a hit against scope. A counter that lost its TTL is
// re-armed, otherwise it would never reset.
func (c *Client) FixedWindow(ctx context.Context, scope string, window time.Duration) (WindowResult, error) {
	key := c.RateLimitKey(scope)
	count, err := c.IncrWithTTL(ctx, key, window)
	if err != nil {
		return WindowResult{}, err
	}

	res := WindowResult{Count: count, ResetAfter: window}
	ttl, err := c.store.PTTL(ctx, key).Result()
	switch {
	case err != nil:
	case ttl < 0:
		if err := c.store.Expire(ctx, key, window).Err(); err != nil {
			return WindowResult{}, err
		}
	default:
		res.ResetAfter = ttl
	}
	return res, nil
}
