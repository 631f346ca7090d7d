package stripewebhook

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

// IdempotencyGuard remembers Stripe event ids so a redelivered event is
// acknowledged without being applied twice.
type IdempotencyGuard struct {
	claims *idempotency.Manager
	scope  string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	claims, err := idempotency.NewManager(store, ttl)
	if err != nil {
		return nil, err
	}
	return &IdempotencyGuard{claims: claims, scope: scope}, nil
}

// CheckAndMark claims eventID and reports whether it was already claimed.
func (g *IdempotencyGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	claimed, err := g.claims.Claim(ctx, g.scope, eventID)
	return !claimed, err
}

// Release forgets eventID so a redelivery is processed again.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	return g.claims.Release(ctx, g.scope, eventID)
}
