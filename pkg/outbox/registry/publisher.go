package registry

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

// EventDescriptor says where an event type is published and which aggregate owns it.
type EventDescriptor struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	Topic         string
}

// ResolvedEvent is an outbox row that passed validation, with its payload decoded.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks a row that no amount of retrying will publish.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

func permanent(format string, args ...any) error {
	return NonRetryableError{Err: fmt.Errorf(format, args...)}
}

// EventRegistry validates outbox rows for the publisher.
type EventRegistry struct {
	descriptors map[enums.OutboxEventType]EventDescriptor
	decoders    *DecoderRegistry
}

type registration struct {
	eventType enums.OutboxEventType
	aggregate enums.OutboxAggregateType
	decode    DecodeFunc
}

var publishedEvents = []registration{
	{enums.EventUserRegistered, enums.AggregateUser, DecodeAs[payloads.UserRegisteredEvent]},
	{enums.EventOrderCreated, enums.AggregateOrder, DecodeAs[payloads.OrderCreatedEvent]},
	{enums.EventOrderPaid, enums.AggregateOrder, DecodeAs[payloads.OrderPaidEvent]},
	{enums.EventOrderPaymentFailed, enums.AggregateOrder, DecodeAs[payloads.OrderPaymentFailedEvent]},
	{enums.EventOrderExpired, enums.AggregateOrder, DecodeAs[payloads.OrderExpiredEvent]},
	{enums.EventOrderCancelled, enums.AggregateOrder, DecodeAs[payloads.OrderCancelledEvent]},
	{enums.EventOrderStatusChanged, enums.AggregateOrder, DecodeAs[payloads.OrderStatusChangedEvent]},
}

// NewEventRegistry routes every storefront event to the domain topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	if cfg.DomainTopic == "" {
		return nil, errors.New("domain topic is required")
	}
	reg := &EventRegistry{
		descriptors: make(map[enums.OutboxEventType]EventDescriptor, len(publishedEvents)),
		decoders:    NewDecoderRegistry(),
	}
	for _, r := range publishedEvents {
		reg.descriptors[r.eventType] = EventDescriptor{
			EventType:     r.eventType,
			AggregateType: r.aggregate,
			Topic:         cfg.DomainTopic,
		}
		reg.decoders.Register(r.eventType, 1, r.decode)
	}
	return reg, nil
}

func (r *EventRegistry) Descriptor(eventType enums.OutboxEventType) (EventDescriptor, bool) {
	desc, ok := r.descriptors[eventType]
	return desc, ok
}

// Resolve checks the row against its descriptor and decodes the payload.
// Every failure is a NonRetryableError.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.descriptors[event.EventType]
	switch {
	case !ok:
		return nil, permanent("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, permanent("aggregate mismatch: expected %s got %s", desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, permanent("missing aggregate_id")
	}

	envelope, err := outbox.DecodeEnvelope(event.Payload)
	if err != nil {
		return nil, permanent("decode envelope: %w", err)
	}
	if bytes.Equal(bytes.TrimSpace(envelope.Data), []byte("null")) {
		return nil, permanent("payload missing for %s", event.EventType)
	}

	payload, err := r.decoders.Decode(event.EventType, envelope.Version, envelope.Data)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
