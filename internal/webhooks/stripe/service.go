package stripewebhook

import (
	"context"
	"encoding/json"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

type intentApplier interface {
	ApplyPaymentIntent(ctx context.Context, source string, pi *stripe.PaymentIntent) (payments.Outcome, error)
}

type ServiceParams struct {
	Reconciler intentApplier
	Logger     *logger.Logger
}

// Service routes verified Stripe events to the payment reconciler.
type Service struct {
	reconciler intentApplier
	logg       *logger.Logger
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Reconciler == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "payment reconciler required")
	}
	return &Service{reconciler: params.Reconciler, logg: params.Logger}, nil
}

// HandleEvent applies payment intent events. Other event types are
// acknowledged untouched. Failures that a redelivery cannot fix are logged
// and acknowledged; anything else is returned so Stripe retries.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	if event == nil || event.Data == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "stripe event data required")
	}

	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypePaymentIntentCanceled:
	default:
		return nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payment intent event")
	}

	outcome, err := s.reconciler.ApplyPaymentIntent(ctx, payments.SourceWebhook, &pi)
	if err != nil {
		if pkgerrors.As(err) != nil && !pkgerrors.IsRetryable(err) {
			if s.logg != nil {
				logCtx := s.logg.WithFields(ctx, map[string]any{
					"event_id":          event.ID,
					"event_type":        string(event.Type),
					"payment_intent_id": pi.ID,
				})
				s.logg.Error(logCtx, "stripe.webhook.unapplied", err)
			}
			return nil
		}
		return err
	}
	if s.logg != nil {
		logCtx := s.logg.WithFields(ctx, map[string]any{
			"event_id": event.ID,
			"outcome":  string(outcome),
		})
		s.logg.Info(logCtx, "stripe.webhook.applied")
	}
	return nil
}
