// Package payments applies gateway payment intent state to orders.
package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

// Sources label where an application came from.
const (
	SourceWebhook    = "webhook"
	SourceReconciler = "reconciler"
)

// Outcome describes what ApplyPaymentIntent did with an intent.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeRejected Outcome = "rejected"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// ReconcilerParams wires the reconciler.
type ReconcilerParams struct {
	DB      *gorm.DB
	Tx      txRunner
	Outbox  outboxEmitter
	Intents pkgstripe.PaymentIntents
	Metrics *metrics.PaymentMetrics
	Retry   pkgstripe.RetryPolicy
	Logger  *logger.Logger
}

// Reconciler keeps orders in step with their payment intents.
type Reconciler struct {
	db      *gorm.DB
	tx      txRunner
	outbox  outboxEmitter
	intents pkgstripe.PaymentIntents
	metrics *metrics.PaymentMetrics
	retry   pkgstripe.RetryPolicy
	logg    *logger.Logger
	now     func() time.Time
}

// NewReconciler validates params and builds a Reconciler.
func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.DB == nil || params.Tx == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("payment intent client required")
	}
	retry := params.Retry
	if retry.MaxAttempts == 0 {
		retry = pkgstripe.DefaultRetryPolicy()
	}
	return &Reconciler{
		db:      params.DB,
		tx:      params.Tx,
		outbox:  params.Outbox,
		intents: params.Intents,
		metrics: params.Metrics,
		retry:   retry,
		logg:    params.Logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// targetStatus maps a gateway intent status onto the order state machine.
// Intents still in flight map to no target.
func targetStatus(pi *stripe.PaymentIntent) (enums.OrderStatus, bool) {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return enums.OrderStatusPaid, true
	case stripe.PaymentIntentStatusCanceled:
		return enums.OrderStatusCancelled, true
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return enums.OrderStatusPaymentFailed, true
		}
	}
	return "", false
}

// ApplyPaymentIntent moves the order linked to pi into the state the intent
// reports. Applying the same intent twice is a no-op.
func (r *Reconciler) ApplyPaymentIntent(ctx context.Context, source string, pi *stripe.PaymentIntent) (Outcome, error) {
	if pi == nil || pi.ID == "" {
		return OutcomeRejected, pkgerrors.New(pkgerrors.CodeValidation, "payment intent required")
	}
	ctx = r.withFields(ctx, map[string]any{
		"payment_intent_id": pi.ID,
		"intent_status":     string(pi.Status),
		"source":            source,
	})

	target, ok := targetStatus(pi)
	if !ok {
		r.record(source, OutcomeIgnored)
		return OutcomeIgnored, nil
	}

	outcome := OutcomeNoop
	err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := r.findOrder(ctx, tx, pi)
		if err != nil {
			return err
		}
		if order == nil {
			outcome = OutcomeIgnored
			return nil
		}
		if order.PaymentIntentID != nil && *order.PaymentIntentID != pi.ID {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is linked to a different payment intent").
				WithDetails(map[string]any{"order_id": order.ID})
		}
		if pi.Amount != order.TotalCents || !strings.EqualFold(string(pi.Currency), order.Currency) {
			r.warn(ctx, "payments.amount_mismatch", map[string]any{
				"order_id":        order.ID.String(),
				"order_total":     order.TotalCents,
				"order_currency":  order.Currency,
				"intent_amount":   pi.Amount,
				"intent_currency": string(pi.Currency),
			})
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment amount does not match order total").
				WithDetails(map[string]any{"order_id": order.ID})
		}
		if order.PaymentIntentID == nil {
			if err := orders.NewRepository(tx).SetPaymentIntent(ctx, order.ID, pi.ID); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link payment intent")
			}
			id := pi.ID
			order.PaymentIntentID = &id
		}

		reason := ""
		if target == enums.OrderStatusPaymentFailed {
			reason = pkgstripe.FailureReason(pi)
		}
		if target == enums.OrderStatusCancelled && pi.CancellationReason != "" {
			reason = string(pi.CancellationReason)
		}
		changed, err := orders.ApplyTx(ctx, tx, order, orders.Transition{To: target, At: r.now(), Reason: reason})
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				r.warn(ctx, "payments.transition_rejected", map[string]any{
					"order_id": order.ID.String(),
					"from":     order.Status.String(),
					"to":       target.String(),
				})
			}
			return err
		}
		if !changed {
			return nil
		}
		if event, ok := orders.EventFor(order, reason, nil); ok {
			if err := r.outbox.Emit(ctx, tx, event); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "emit payment event")
			}
		}
		outcome = OutcomeApplied
		return nil
	})
	if err != nil {
		r.record(source, OutcomeRejected)
		return OutcomeRejected, err
	}
	r.record(source, outcome)
	if outcome == OutcomeApplied && r.logg != nil {
		r.logg.Info(ctx, "payments.intent_applied")
	}
	return outcome, nil
}

// findOrder resolves the order by intent id, falling back to the order id
// stamped in the intent metadata. Intents for unknown orders return nil.
func (r *Reconciler) findOrder(ctx context.Context, tx *gorm.DB, pi *stripe.PaymentIntent) (*models.Order, error) {
	repo := orders.NewRepository(tx)
	order, err := repo.FindByPaymentIntentID(ctx, pi.ID)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order by intent")
	}
	orderID, metaErr := pkgstripe.OrderIDFromMetadata(pi)
	if metaErr != nil {
		r.warn(ctx, "payments.intent_unmatched", nil)
		return nil, nil
	}
	order, err = repo.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.warn(ctx, "payments.intent_unmatched", map[string]any{"order_id": orderID.String()})
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order")
	}
	return order, nil
}

// ReconcileOrder pulls the gateway's view of an unpaid order and applies it.
// Orders that never got an intent have one created with the order's
// idempotency key, so a half-finished checkout converges on one intent.
func (r *Reconciler) ReconcileOrder(ctx context.Context, order *models.Order) (Outcome, error) {
	var pi *stripe.PaymentIntent
	if order.PaymentIntentID == nil || *order.PaymentIntentID == "" {
		email := ""
		if user, err := users.NewRepository(r.db).FindByID(ctx, order.UserID); err == nil {
			email = user.Email
		}
		err := pkgstripe.Retry(ctx, r.retry, "create payment intent", func(ctx context.Context) error {
			created, err := r.intents.Create(ctx, pkgstripe.CreateIntentInput{
				OrderID:     order.ID,
				UserID:      order.UserID,
				AmountCents: order.TotalCents,
				Currency:    order.Currency,
				Email:       email,
			})
			pi = created
			return err
		})
		if err != nil {
			return OutcomeRejected, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
		}
		if err := r.tx.WithTx(ctx, func(tx *gorm.DB) error {
			return orders.NewRepository(tx).SetPaymentIntent(ctx, order.ID, pi.ID)
		}); err != nil {
			return OutcomeRejected, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "link payment intent")
		}
	} else {
		intentID := *order.PaymentIntentID
		err := pkgstripe.Retry(ctx, r.retry, "get payment intent", func(ctx context.Context) error {
			fetched, err := r.intents.Get(ctx, intentID)
			pi = fetched
			return err
		})
		if err != nil {
			return OutcomeRejected, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch payment intent")
		}
	}
	return r.ApplyPaymentIntent(ctx, SourceReconciler, pi)
}

func (r *Reconciler) record(source string, outcome Outcome) {
	r.metrics.IncApplied(source, string(outcome))
}

func (r *Reconciler) withFields(ctx context.Context, fields map[string]any) context.Context {
	if r.logg == nil {
		return ctx
	}
	return r.logg.WithFields(ctx, fields)
}

func (r *Reconciler) warn(ctx context.Context, msg string, fields map[string]any) {
	if r.logg == nil {
		return
	}
	if len(fields) > 0 {
		ctx = r.logg.WithFields(ctx, fields)
	}
	r.logg.Warn(ctx, msg)
}
