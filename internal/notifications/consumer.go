// Package notifications turns domain events into transactional email.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/mailer"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/registry"
)

const mailerConsumer = "mailer"

// Result tells the subscription what to do with a message.
type Result int

const (
	Ack Result = iota
	Nack
)

type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

type recipientLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

type processedMarker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type ConsumerParams struct {
	Subscription receiver
	Users        recipientLookup
	Sender       mailer.Sender
	Idempotency  processedMarker
	Logger       *logger.Logger
}

// Consumer sends one email per domain event it recognises.
type Consumer struct {
	subscription receiver
	users        recipientLookup
	sender       mailer.Sender
	idempotency  processedMarker
	decoders     *registry.DecoderRegistry
	logg         *logger.Logger
}

func NewConsumer(params ConsumerParams) (*Consumer, error) {
	if params.Subscription == nil {
		return nil, fmt.Errorf("mailer subscription required")
	}
	if params.Users == nil {
		return nil, fmt.Errorf("users repository required")
	}
	if params.Sender == nil {
		return nil, fmt.Errorf("mail sender required")
	}
	if params.Idempotency == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{
		subscription: params.Subscription,
		users:        params.Users,
		sender:       params.Sender,
		idempotency:  params.Idempotency,
		decoders:     newDecoders(),
		logg:         params.Logger,
	}, nil
}

func newDecoders() *registry.DecoderRegistry {
	decoders := registry.NewDecoderRegistry()
	decoders.Register(enums.EventUserRegistered, 1, registry.DecodeAs[payloads.UserRegisteredEvent])
	decoders.Register(enums.EventOrderPaid, 1, registry.DecodeAs[payloads.OrderPaidEvent])
	decoders.Register(enums.EventOrderPaymentFailed, 1, registry.DecodeAs[payloads.OrderPaymentFailedEvent])
	decoders.Register(enums.EventOrderExpired, 1, registry.DecodeAs[payloads.OrderExpiredEvent])
	return decoders
}

// Run receives until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.Handle(ctx, msg.ID, msg.Attributes, msg.Data) == Nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// Handle processes one delivery. Only failures a redelivery can fix are nacked.
func (c *Consumer) Handle(ctx context.Context, messageID string, attrs map[string]string, data []byte) Result {
	eventType := enums.OutboxEventType(attrs["event_type"])
	ctx = c.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_type": string(eventType),
	})

	if _, ok := templates[eventType]; !ok {
		return Ack
	}

	envelope, err := outbox.DecodeEnvelope(data)
	if err != nil {
		c.logg.Error(ctx, "mailer.envelope_invalid", err)
		return Ack
	}
	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		c.logg.Error(ctx, "mailer.event_id_invalid", err)
		return Ack
	}
	ctx = c.logg.WithField(ctx, "event_id", eventID.String())

	already, err := c.idempotency.CheckAndMarkProcessed(ctx, mailerConsumer, eventID)
	if err != nil {
		c.logg.Error(ctx, "mailer.idempotency_failed", err)
		return Nack
	}
	if already {
		c.logg.Info(ctx, "mailer.duplicate")
		return Ack
	}

	payload, err := c.decoders.Decode(eventType, envelope.Version, envelope.Data)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownPayload) {
			c.logg.Warn(c.logg.WithField(ctx, "version", envelope.Version), "mailer.payload_version_unknown")
			return Ack
		}
		c.logg.Error(ctx, "mailer.payload_invalid", err)
		return Ack
	}

	msg, err := c.compose(ctx, eventType, payload)
	if err != nil {
		if errors.Is(err, errNoRecipient) {
			c.logg.Warn(ctx, "mailer.recipient_missing")
			return Ack
		}
		c.logg.Error(ctx, "mailer.compose_failed", err)
		return c.release(ctx, eventID)
	}

	if err := c.sender.Send(ctx, msg); err != nil {
		if errors.Is(err, mailer.ErrPermanent) {
			c.logg.Error(ctx, "mailer.rejected", err)
			return Ack
		}
		c.logg.Error(ctx, "mailer.send_failed", err)
		return c.release(ctx, eventID)
	}
	c.logg.Info(ctx, "mailer.delivered")
	return Ack
}

func (c *Consumer) release(ctx context.Context, eventID uuid.UUID) Result {
	if err := c.idempotency.Delete(ctx, mailerConsumer, eventID); err != nil {
		c.logg.Error(ctx, "mailer.idempotency_release_failed", err)
	}
	return Nack
}

var errNoRecipient = errors.New("recipient not found")

type recipient struct {
	Email     string
	FirstName string
}

func (c *Consumer) compose(ctx context.Context, eventType enums.OutboxEventType, payload interface{}) (mailer.Message, error) {
	var (
		to   recipient
		data emailData
		err  error
	)
	switch p := payload.(type) {
	case *payloads.UserRegisteredEvent:
		to = recipient{Email: p.Email, FirstName: p.FirstName}
	case *payloads.OrderPaidEvent:
		to, err = c.lookup(ctx, p.UserID)
		data = emailData{OrderRef: orderRef(p.OrderID), Amount: formatAmount(p.AmountCents), Currency: strings.ToUpper(p.Currency)}
	case *payloads.OrderPaymentFailedEvent:
		to, err = c.lookup(ctx, p.UserID)
		data = emailData{OrderRef: orderRef(p.OrderID), Reason: p.Reason}
	case *payloads.OrderExpiredEvent:
		to, err = c.lookup(ctx, p.UserID)
		data = emailData{OrderRef: orderRef(p.OrderID)}
	default:
		return mailer.Message{}, fmt.Errorf("unexpected payload %T", payload)
	}
	if err != nil {
		return mailer.Message{}, err
	}
	if to.Email == "" {
		return mailer.Message{}, errNoRecipient
	}
	msg, ok, err := render(eventType, to, data)
	if err != nil {
		return mailer.Message{}, err
	}
	if !ok {
		return mailer.Message{}, fmt.Errorf("no template for %s", eventType)
	}
	return msg, nil
}

func (c *Consumer) lookup(ctx context.Context, userID uuid.UUID) (recipient, error) {
	user, err := c.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return recipient{}, errNoRecipient
		}
		return recipient{}, fmt.Errorf("load recipient: %w", err)
	}
	return recipient{Email: user.Email, FirstName: user.FirstName}, nil
}
