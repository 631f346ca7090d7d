// Package idempotency records which deliveries a consumer has already handled.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/redis"
)

const processedScope = "evt:processed"

var (
	errNoConsumer = errors.New("consumer name is required")
	errNoID       = errors.New("delivery id is required")
)

// Manager claims (consumer, id) pairs with SETNX so at-least-once deliveries
// are acted on once per TTL window. A claim whose work fails should be
// released so the redelivery can retry.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}, nil
}

// Claim reports true when this call took ownership of id for consumer, false
// when someone already had it.
func (m *Manager) Claim(ctx context.Context, consumer, id string) (bool, error) {
	key, err := m.key(consumer, id)
	if err != nil {
		return false, err
	}
	claimed, err := m.store.SetNX(ctx, key, m.now().UTC().Format(time.RFC3339), m.ttl)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return claimed, nil
}

// Release drops a claim.
func (m *Manager) Release(ctx context.Context, consumer, id string) error {
	key, err := m.key(consumer, id)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

// CheckAndMarkProcessed is Claim for outbox event ids, inverted: it reports
// whether the event had already been processed.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	if eventID == uuid.Nil {
		return false, errNoID
	}
	claimed, err := m.Claim(ctx, consumer, eventID.String())
	return !claimed, err
}

// Delete releases an outbox event claim.
func (m *Manager) Delete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	if eventID == uuid.Nil {
		return errNoID
	}
	return m.Release(ctx, consumer, eventID.String())
}

func (m *Manager) key(consumer, id string) (string, error) {
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return "", errNoConsumer
	}
	if strings.TrimSpace(id) == "" {
		return "", errNoID
	}
	return m.store.IdempotencyKey(processedScope+":"+consumer, id), nil
}
