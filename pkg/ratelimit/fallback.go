package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// FallbackLimiter consults primary and, when it errors, decides with fallback instead of failing open.
type FallbackLimiter struct {
	primary    Limiter
	fallback   Limiter
	logg       *logger.Logger
	onFallback func()
}

// NewFallbackLimiter wires both limiters. onFallback may be nil.
func NewFallbackLimiter(primary, fallback Limiter, logg *logger.Logger, onFallback func()) (*FallbackLimiter, error) {
	if primary == nil || fallback == nil {
		return nil, errors.New("primary and fallback limiters are required")
	}
	return &FallbackLimiter{primary: primary, fallback: fallback, logg: logg, onFallback: onFallback}, nil
}

func (f *FallbackLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	decision, err := f.primary.Allow(ctx, key, limit, window)
	if err == nil {
		return decision, nil
	}
	if f.onFallback != nil {
		f.onFallback()
	}
	if f.logg != nil {
		f.logg.Warn(f.logg.WithField(ctx, "error", err.Error()), "ratelimit.fallback")
	}
	return f.fallback.Allow(ctx, key, limit, window)
}
