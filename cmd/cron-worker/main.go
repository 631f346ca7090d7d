package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/internal/cron"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
	"github.com/angelmondragon/storefront-backend/pkg/security/fieldcrypt"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const (
	serviceKind   = "cron-worker"
	lockKeyFormat = "sf:cron-worker:lock:%s"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit")
	jobName := flag.String("job", "", "restrict -once to one job")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceKind})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind
	logg = logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
	})

	if err := run(ctx, cfg, logg, *once, *jobName); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shut down")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, once bool, jobName string) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	stripeClient, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		return err
	}
	keys, err := fieldcrypt.NewKeyringFromConfig(cfg.Crypto)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	cronMetrics := metrics.NewCronJobMetrics(promRegistry)
	paymentMetrics := metrics.NewPaymentMetrics(promRegistry)

	jobs, err := buildRegistry(cfg, logg, dbClient, keys, pkgstripe.NewPaymentIntents(stripeClient), cronMetrics, paymentMetrics)
	if err != nil {
		return err
	}
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		return err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: jobs,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	if once {
		logg.Info(logg.WithField(ctx, "job", jobName), "running cron cycle once")
		return service.RunOnce(ctx, jobName)
	}

	metrics.Serve(ctx, cfg.Service.MetricsAddr, promRegistry, logg)
	logg.Info(ctx, "starting cron worker")
	return service.Run(ctx)
}

func buildRegistry(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	keys *fieldcrypt.Keyring,
	intents pkgstripe.PaymentIntents,
	cronMetrics *metrics.CronJobMetrics,
	paymentMetrics *metrics.PaymentMetrics,
) (*cron.Registry, error) {
	database := dbClient.DB()
	outboxRepo := outbox.NewRepository(database)
	outboxService := outbox.NewService(outboxRepo, logg)

	reconciler, err := payments.NewReconciler(payments.ReconcilerParams{
		DB:      database,
		Tx:      dbClient,
		Outbox:  outboxService,
		Intents: intents,
		Metrics: paymentMetrics,
		Logger:  logg,
	})
	if err != nil {
		return nil, err
	}

	expire, err := cron.NewExpireOrdersJob(cron.ExpireOrdersJobParams{
		Logger:     logg,
		DB:         database,
		Tx:         dbClient,
		Outbox:     outboxService,
		Reconciler: reconciler,
		Intents:    intents,
		Metrics:    cronMetrics,
		TTL:        cfg.Checkout.UnpaidOrderTTL,
	})
	if err != nil {
		return nil, err
	}
	reconcile, err := cron.NewPaymentReconcileJob(cron.PaymentReconcileJobParams{
		Logger:     logg,
		DB:         database,
		Reconciler: reconciler,
		Metrics:    cronMetrics,
		Lookback:   cfg.Cron.ReconcileLookback,
		MinAge:     cfg.Cron.ReconcileMinAge,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outboxRepo,
		Metrics:    cronMetrics,
		Retention:  cfg.Outbox.RetentionDays,
	})
	if err != nil {
		return nil, err
	}
	rotation, err := cron.NewKeyRotationJob(cron.KeyRotationJobParams{
		Logger:    logg,
		DB:        database,
		Tx:        dbClient,
		Keys:      keys,
		Metrics:   cronMetrics,
		BatchSize: cfg.Cron.RotationBatchSize,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(expire, reconcile, retention, rotation), nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
