package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

const (
	defaultReconcileMinAge = 5 * time.Minute
	defaultReconcileBatch  = 200
)

type PaymentReconcileJobParams struct {
	Logger     *logger.Logger
	DB         *gorm.DB
	Reconciler orderReconciler
	Metrics    *metrics.CronJobMetrics
	// Lookback bounds how far back unpaid orders are re-checked.
	Lookback time.Duration
	// MinAge leaves fresh checkouts to the webhook.
	MinAge    time.Duration
	BatchSize int
}

// NewPaymentReconcileJob builds the job that pulls gateway state for unpaid
// orders the webhook has not settled.
func NewPaymentReconcileJob(params PaymentReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("database required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("payment reconciler required")
	}
	if params.Lookback <= 0 {
		return nil, fmt.Errorf("reconciliation lookback must be positive")
	}
	minAge := params.MinAge
	if minAge <= 0 {
		minAge = defaultReconcileMinAge
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultReconcileBatch
	}
	return &paymentReconcileJob{
		logg:       params.Logger,
		db:         params.DB,
		reconciler: params.Reconciler,
		metrics:    params.Metrics,
		lookback:   params.Lookback,
		minAge:     minAge,
		batch:      batch,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type paymentReconcileJob struct {
	logg       *logger.Logger
	db         *gorm.DB
	reconciler orderReconciler
	metrics    *metrics.CronJobMetrics
	lookback   time.Duration
	minAge     time.Duration
	batch      int
	now        func() time.Time
}

func (j *paymentReconcileJob) Name() string { return JobPaymentReconciliation }

func (j *paymentReconcileJob) Run(ctx context.Context) error {
	now := j.now()
	due, err := orders.NewRepository(j.db).ListAwaitingPayment(ctx, now.Add(-j.lookback), now.Add(-j.minAge), j.batch)
	if err != nil {
		return fmt.Errorf("list unpaid orders: %w", err)
	}

	counts := map[payments.Outcome]int{}
	var errs error
	for i := range due {
		order := &due[i]
		orderCtx := j.logg.WithField(ctx, "order_id", order.ID.String())
		outcome, err := j.reconciler.ReconcileOrder(orderCtx, order)
		counts[outcome]++
		if err == nil {
			continue
		}
		if pkgerrors.IsRetryable(err) {
			errs = multierr.Append(errs, fmt.Errorf("reconcile order %s: %w", order.ID, err))
			continue
		}
		// Amount mismatches and forbidden transitions land here.
		j.logg.Warn(j.logg.WithField(orderCtx, "error", err.Error()), "cron.reconcile.rejected")
	}

	for outcome, n := range counts {
		j.metrics.AddItems(j.Name(), string(outcome), n)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"scanned":  len(due),
		"applied":  counts[payments.OutcomeApplied],
		"rejected": counts[payments.OutcomeRejected],
	}), "cron.payment_reconciliation.done")
	return errs
}
