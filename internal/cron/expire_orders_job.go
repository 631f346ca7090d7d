package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const defaultExpireBatch = 100

type ExpireOrdersJobParams struct {
	Logger     *logger.Logger
	DB         *gorm.DB
	Tx         txRunner
	Outbox     outboxEmitter
	Reconciler orderReconciler
	Intents    intentCanceller
	Metrics    *metrics.CronJobMetrics
	TTL        time.Duration
	BatchSize  int
}

// NewExpireOrdersJob builds the job that expires orders left unpaid past TTL.
// Orders with a payment intent are reconciled first so a payment that
// landed without a webhook is not thrown away.
func NewExpireOrdersJob(params ExpireOrdersJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil || params.Tx == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("payment reconciler required")
	}
	if params.Intents == nil {
		return nil, fmt.Errorf("payment intent client required")
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("unpaid order ttl must be positive")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultExpireBatch
	}
	return &expireOrdersJob{
		logg:       params.Logger,
		db:         params.DB,
		tx:         params.Tx,
		outbox:     params.Outbox,
		reconciler: params.Reconciler,
		intents:    params.Intents,
		metrics:    params.Metrics,
		ttl:        params.TTL,
		batch:      batch,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type expireOrdersJob struct {
	logg       *logger.Logger
	db         *gorm.DB
	tx         txRunner
	outbox     outboxEmitter
	reconciler orderReconciler
	intents    intentCanceller
	metrics    *metrics.CronJobMetrics
	ttl        time.Duration
	batch      int
	now        func() time.Time
}

func (j *expireOrdersJob) Name() string { return JobExpireUnpaidOrders }

func (j *expireOrdersJob) Run(ctx context.Context) error {
	now := j.now()
	cutoff := now.Add(-j.ttl)
	due, err := orders.NewRepository(j.db).ListAwaitingPayment(ctx, time.Time{}, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("list unpaid orders: %w", err)
	}

	var (
		errs    error
		expired int
		settled int
	)
	for i := range due {
		order := &due[i]
		orderCtx := j.logg.WithField(ctx, "order_id", order.ID.String())

		if order.PaymentIntentID != nil {
			outcome, err := j.reconciler.ReconcileOrder(orderCtx, order)
			if err != nil && pkgerrors.IsRetryable(err) {
				errs = multierr.Append(errs, fmt.Errorf("reconcile order %s: %w", order.ID, err))
				continue
			}
			if outcome == payments.OutcomeApplied {
				settled++
			}
		}

		changed, err := j.expire(orderCtx, order, now)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		if !changed {
			continue
		}
		expired++
		j.cancelIntent(orderCtx, order)
	}

	j.metrics.AddItems(j.Name(), "expired", expired)
	j.metrics.AddItems(j.Name(), "settled", settled)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":  cutoff,
		"scanned": len(due),
		"expired": expired,
		"settled": settled,
	}), "cron.expire_unpaid_orders.done")
	return errs
}

// expire reloads the order inside the transaction so a payment applied a
// moment ago wins over the expiry.
func (j *expireOrdersJob) expire(ctx context.Context, order *models.Order, now time.Time) (bool, error) {
	changed := false
	err := j.tx.WithTx(ctx, func(tx *gorm.DB) error {
		fresh, err := orders.NewRepository(tx).FindByID(ctx, order.ID)
		if err != nil {
			return err
		}
		if !fresh.Status.IsAwaitingPayment() {
			return nil
		}
		ok, err := orders.ApplyTx(ctx, tx, fresh, orders.Transition{To: enums.OrderStatusExpired, At: now})
		if err != nil || !ok {
			return err
		}
		if event, ok := orders.EventFor(fresh, "", nil); ok {
			if err := j.outbox.Emit(ctx, tx, event); err != nil {
				return err
			}
		}
		*order = *fresh
		changed = true
		return nil
	})
	return changed, err
}

func (j *expireOrdersJob) cancelIntent(ctx context.Context, order *models.Order) {
	if order.PaymentIntentID == nil {
		return
	}
	if _, err := j.intents.Cancel(ctx, *order.PaymentIntentID); err != nil && !pkgstripe.IsNotFound(err) {
		j.logg.Error(ctx, "cron.intent_cancel_failed", err)
	}
}
