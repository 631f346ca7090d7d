package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

const (
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

type outcome int

const (
	outcomePublished outcome = iota
	outcomeRetry
	outcomeDeadLetter
)

// attempt is what happened when one row was offered to Pub/Sub.
type attempt struct {
	outcome outcome
	reason  enums.OutboxDLQErrorReason
	topic   string
	err     error
}

// processBatch claims due rows and publishes each one. Every row is settled in
// its own savepoint, so a row that cannot be recorded only rolls back itself.
// It returns how many rows were settled.
func (s *Service) processBatch(ctx context.Context) (int, error) {
	started := time.Now()
	handled := 0
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		events, err := s.repo.FetchUnpublishedForPublish(tx, s.batchSize, s.maxAttempts)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		for _, event := range events {
			a := s.publish(ctx, event)
			err := tx.Transaction(func(row *gorm.DB) error {
				return s.settle(ctx, row, event, a)
			})
			if err != nil {
				s.metrics.Inc(string(event.EventType), "settle_failed")
				s.logg.Error(s.logg.WithField(ctx, "outbox_id", event.ID.String()), "outbox.settle_failed", err)
				continue
			}
			if a.outcome == outcomeDeadLetter {
				s.mirrorDeadLetter(ctx, event, a.reason)
			}
			handled++
		}
		return nil
	})
	if handled > 0 {
		s.metrics.ObserveBatch(time.Since(started))
	}
	return handled, err
}

func (s *Service) publish(ctx context.Context, event models.OutboxEvent) attempt {
	resolved, err := s.registry.Resolve(event)
	if err != nil {
		return attempt{outcome: outcomeDeadLetter, reason: enums.OutboxDLQReasonNonRetryable, err: err}
	}
	topic := resolved.Descriptor.Topic

	pub := s.topics(topic)
	if pub == nil {
		return attempt{
			outcome: outcomeDeadLetter,
			reason:  enums.OutboxDLQReasonNonRetryable,
			topic:   topic,
			err:     fmt.Errorf("no publisher for topic %s", topic),
		}
	}

	err = send(ctx, pub, &gcppubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"created_at":     event.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	var permanent registry.NonRetryableError
	switch {
	case err == nil:
		return attempt{outcome: outcomePublished, topic: topic}
	case errors.As(err, &permanent):
		return attempt{outcome: outcomeDeadLetter, reason: enums.OutboxDLQReasonNonRetryable, topic: topic, err: err}
	case event.AttemptCount+1 >= s.maxAttempts:
		return attempt{
			outcome: outcomeDeadLetter,
			reason:  enums.OutboxDLQReasonMaxAttempts,
			topic:   topic,
			err:     fmt.Errorf("max publish attempts reached: %w", err),
		}
	default:
		return attempt{outcome: outcomeRetry, topic: topic, err: err}
	}
}

func (s *Service) settle(ctx context.Context, tx *gorm.DB, event models.OutboxEvent, a attempt) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"outbox_id":     event.ID.String(),
		"event_type":    string(event.EventType),
		"aggregate_id":  event.AggregateID.String(),
		"attempt_count": event.AttemptCount + 1,
		"topic":         a.topic,
	})

	switch a.outcome {
	case outcomePublished:
		if err := s.repo.MarkPublishedTx(tx, event.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", event.ID, err)
		}
		s.metrics.Inc(string(event.EventType), "published")
		s.logg.Info(logCtx, "outbox event published")

	case outcomeRetry:
		retryIn := retryDelay(event.AttemptCount + 1)
		if err := s.repo.MarkFailedTx(tx, event.ID, a.err, retryIn); err != nil {
			return fmt.Errorf("mark failed %s: %w", event.ID, err)
		}
		s.metrics.Inc(string(event.EventType), "retried")
		s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
			"error":    a.err.Error(),
			"retry_in": retryIn.String(),
		}), "outbox publish failed")

	case outcomeDeadLetter:
		if err := s.deadLetters.RecordTx(tx, event, a.reason, a.err); err != nil {
			return fmt.Errorf("dead letter %s: %w", event.ID, err)
		}
		if err := s.repo.MarkTerminalTx(tx, event.ID, a.err, event.AttemptCount+1); err != nil {
			return fmt.Errorf("mark terminal %s: %w", event.ID, err)
		}
		s.metrics.Inc(string(event.EventType), string(a.reason))
		s.logg.Warn(s.logg.WithFields(logCtx, map[string]any{
			"error":        a.err.Error(),
			"error_reason": string(a.reason),
		}), "outbox event will not be retried")
	}
	return nil
}

// mirrorDeadLetter copies a dead letter onto the DLQ topic for alerting.
// outbox_dlq is the record of truth, so failures are only logged.
func (s *Service) mirrorDeadLetter(ctx context.Context, event models.OutboxEvent, reason enums.OutboxDLQErrorReason) {
	if s.dlqTopic == "" {
		return
	}
	pub := s.topics(s.dlqTopic)
	if pub == nil {
		return
	}
	err := send(ctx, pub, &gcppubsub.Message{
		Data: event.Payload,
		Attributes: map[string]string{
			"outbox_id":      event.ID.String(),
			"event_type":     string(event.EventType),
			"aggregate_type": string(event.AggregateType),
			"aggregate_id":   event.AggregateID.String(),
			"error_reason":   string(reason),
		},
	})
	if err != nil {
		s.logg.Error(ctx, "outbox.dlq_publish_failed", err)
	}
}

func send(ctx context.Context, pub publisher, msg *gcppubsub.Message) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	result := pub.Publish(ctx, msg)
	if result == nil {
		return registry.NewNonRetryableError(errors.New("publisher returned no result"))
	}
	_, err := result.Get(ctx)
	return err
}

// retryDelay is baseRetryDelay doubled per prior attempt, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return baseRetryDelay
	}
	if attempt > 10 {
		return maxRetryDelay
	}
	return min(baseRetryDelay<<(attempt-1), maxRetryDelay)
}
