package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *memoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = value.(string)
	s.ttls[key] = ttl
	return true, nil
}

func (s *memoryStore) IdempotencyKey(scope, id string) string {
	return "sf:idempotency:" + scope + ":" + id
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func TestClaimIsExclusiveUntilReleased(t *testing.T) {
	store := newMemoryStore()
	m, err := NewManager(store, 6*time.Hour)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	claimed, err := m.Claim(ctx, "stripe-webhook", "evt_1")
	require.NoError(t, err)
	assert.True(t, claimed)

	key := "sf:idempotency:evt:processed:stripe-webhook:evt_1"
	assert.Equal(t, "2026-03-01T12:00:00Z", store.values[key])
	assert.Equal(t, 6*time.Hour, store.ttls[key])

	claimed, err = m.Claim(ctx, "stripe-webhook", "evt_1")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, m.Release(ctx, "stripe-webhook", "evt_1"))
	claimed, err = m.Claim(ctx, "stripe-webhook", "evt_1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimsAreScopedPerConsumer(t *testing.T) {
	m, err := NewManager(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	eventID := uuid.New()

	seen, err := m.CheckAndMarkProcessed(context.Background(), "mailer", eventID)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = m.CheckAndMarkProcessed(context.Background(), "audit", eventID)
	require.NoError(t, err)
	assert.False(t, seen, "a different consumer must get its own claim")

	seen, err = m.CheckAndMarkProcessed(context.Background(), "mailer", eventID)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, m.Delete(context.Background(), "mailer", eventID))
	seen, err = m.CheckAndMarkProcessed(context.Background(), "mailer", eventID)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestClaimRejectsBlankInputs(t *testing.T) {
	m, err := NewManager(newMemoryStore(), time.Hour)
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), " ", "evt_1")
	assert.Error(t, err)
	_, err = m.Claim(context.Background(), "mailer", "")
	assert.Error(t, err)
	_, err = m.CheckAndMarkProcessed(context.Background(), "mailer", uuid.Nil)
	assert.Error(t, err)
}

func TestClaimSurfacesStoreErrors(t *testing.T) {
	store := newMemoryStore()
	store.err = errors.New("redis: connection refused")
	m, err := NewManager(store, time.Hour)
	require.NoError(t, err)

	_, err = m.Claim(context.Background(), "mailer", "evt_1")
	assert.ErrorIs(t, err, store.err)
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager(nil, time.Hour)
	assert.Error(t, err)
	_, err = NewManager(newMemoryStore(), -time.Second)
	assert.Error(t, err)
}
