package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

// ErrUnknownPayload is returned when no decoder matches an event's type and
// schema version.
var ErrUnknownPayload = errors.New("no decoder for payload")

// DecodeFunc turns a raw envelope payload into its typed event struct.
type DecodeFunc func(payload json.RawMessage) (any, error)

type decoderKey struct {
	eventType enums.OutboxEventType
	version   int
}

// DecoderRegistry maps (event type, schema version) to payload decoders.
// Envelopes written before versioning carry 0 and resolve as version 1.
type DecoderRegistry struct {
	mu       sync.RWMutex
	decoders map[decoderKey]DecodeFunc
}

func NewDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{decoders: make(map[decoderKey]DecodeFunc)}
}

func normalizeVersion(version int) int {
	if version <= 0 {
		return 1
	}
	return version
}

// Register installs fn for eventType at version, replacing any previous one.
func (r *DecoderRegistry) Register(eventType enums.OutboxEventType, version int, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[decoderKey{eventType: eventType, version: normalizeVersion(version)}] = fn
}

// Handles reports whether any version of eventType has a decoder.
func (r *DecoderRegistry) Handles(eventType enums.OutboxEventType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key := range r.decoders {
		if key.eventType == eventType {
			return true
		}
	}
	return false
}

func (r *DecoderRegistry) Decode(eventType enums.OutboxEventType, version int, payload json.RawMessage) (any, error) {
	version = normalizeVersion(version)
	r.mu.RLock()
	fn, ok := r.decoders[decoderKey{eventType: eventType, version: version}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownPayload, eventType, version)
	}
	out, err := fn(payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s v%d: %w", eventType, version, err)
	}
	return out, nil
}

// DecodeAs is a DecodeFunc producing *T.
func DecodeAs[T any](raw json.RawMessage) (any, error) {
	var payload T
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
