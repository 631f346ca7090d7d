package orders

import (
	"context"
	"time"

	"gorm.io/gorm"

	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/payloads"
)

// Transition is one status change requested by a customer, an admin, the
// payment reconciler or the expiry job.
type Transition struct {
	To     enums.OrderStatus
	At     time.Time
	Reason string
}

// ApplyTx moves order to t.To inside tx. Reserved stock is returned when an
// unpaid order is cancelled or expired. It reports false when the order is
// already in the target status, and STATE_CONFLICT when the transition table
// forbids the move or the row changed underneath.
func ApplyTx(ctx context.Context, tx *gorm.DB, order *models.Order, t Transition) (bool, error) {
	from := order.Status
	if from == t.To {
		return false, nil
	}
	if !from.CanTransitionTo(t.To) {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "order cannot move from "+from.String()+" to "+t.To.String()).
			WithDetails(map[string]any{"from": from, "to": t.To})
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]any{"status": t.To, "updated_at": at}
	switch t.To {
	case enums.OrderStatusPaid:
		updates["paid_at"] = at
		updates["payment_failure_reason"] = nil
		order.PaidAt = &at
		order.PaymentFailureReason = nil
	case enums.OrderStatusPaymentFailed:
		reason := t.Reason
		updates["payment_failure_reason"] = reason
		order.PaymentFailureReason = &reason
	case enums.OrderStatusCancelled:
		updates["cancelled_at"] = at
		order.CancelledAt = &at
	case enums.OrderStatusExpired:
		updates["expired_at"] = at
		order.ExpiredAt = &at
	}

	ok, err := NewRepository(tx).UpdateStatus(ctx, order.ID, from, updates)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeStateConflict, "order status changed concurrently")
	}

	if releasesStock(from, t.To) {
		products := product.NewRepository(tx)
		for _, item := range order.Items {
			if err := products.Restock(ctx, item.ProductID, item.Quantity); err != nil {
				return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "restock product")
			}
		}
	}
	order.Status = t.To
	order.UpdatedAt = at
	return true, nil
}

func releasesStock(from, to enums.OrderStatus) bool {
	if !from.IsAwaitingPayment() {
		return false
	}
	return to == enums.OrderStatusCancelled || to == enums.OrderStatusExpired
}

// EventFor builds the outbox event announcing that order reached its current
// status. Statuses without a customer-facing event report false.
func EventFor(order *models.Order, reason string, actor *outbox.ActorRef) (outbox.DomainEvent, bool) {
	event := outbox.DomainEvent{
		AggregateType: enums.AggregateOrder,
		AggregateID:   order.ID,
		Actor:         actor,
	}
	intentID := ""
	if order.PaymentIntentID != nil {
		intentID = *order.PaymentIntentID
	}
	switch order.Status {
	case enums.OrderStatusPaid:
		paidAt := order.UpdatedAt
		if order.PaidAt != nil {
			paidAt = *order.PaidAt
		}
		event.EventType = enums.EventOrderPaid
		event.Data = payloads.OrderPaidEvent{
			OrderID:         order.ID,
			UserID:          order.UserID,
			PaymentIntentID: intentID,
			AmountCents:     order.TotalCents,
			Currency:        order.Currency,
			PaidAt:          paidAt,
		}
	case enums.OrderStatusPaymentFailed:
		event.EventType = enums.EventOrderPaymentFailed
		event.Data = payloads.OrderPaymentFailedEvent{
			OrderID:         order.ID,
			UserID:          order.UserID,
			PaymentIntentID: intentID,
			Reason:          reason,
		}
	case enums.OrderStatusCancelled:
		cancelledAt := order.UpdatedAt
		if order.CancelledAt != nil {
			cancelledAt = *order.CancelledAt
		}
		event.EventType = enums.EventOrderCancelled
		event.Data = payloads.OrderCancelledEvent{
			OrderID:     order.ID,
			UserID:      order.UserID,
			CancelledAt: cancelledAt,
			Reason:      reason,
		}
	case enums.OrderStatusExpired:
		expiredAt := order.UpdatedAt
		if order.ExpiredAt != nil {
			expiredAt = *order.ExpiredAt
		}
		event.EventType = enums.EventOrderExpired
		event.Data = payloads.OrderExpiredEvent{
			OrderID:   order.ID,
			UserID:    order.UserID,
			ExpiredAt: expiredAt,
		}
	default:
		return outbox.DomainEvent{}, false
	}
	return event, true
}
