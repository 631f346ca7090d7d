// Package ratelimit counts requests per identifier within a window across API instances.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAfter time.Duration
}

// Limiter decides whether key may perform one more request within window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

func remaining(limit int, used int64) int {
	left := int64(limit) - used
	if left < 0 {
		return 0
	}
	return int(left)
}
