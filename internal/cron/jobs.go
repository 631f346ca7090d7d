package cron

import (
	"context"

	"github.com/stripe/stripe-go/v84"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
)

// Job names, also used as metric labels and for the cron-worker -job flag.
const (
	JobExpireUnpaidOrders    = "expire-unpaid-orders"
	JobPaymentReconciliation = "payment-reconciliation"
	JobPIIKeyRotation        = "pii-key-rotation"
	JobOutboxRetention       = "outbox-retention"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type orderReconciler interface {
	ReconcileOrder(ctx context.Context, order *models.Order) (payments.Outcome, error)
}

type intentCanceller interface {
	Cancel(ctx context.Context, id string) (*stripe.PaymentIntent, error)
}
