package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/api/routes"
	"github.com/angelmondragon/storefront-backend/internal/address"
	"github.com/angelmondragon/storefront-backend/internal/admin"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/media"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	products "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/internal/users"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/instance"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/ratelimit"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
	"github.com/angelmondragon/storefront-backend/pkg/security/fieldcrypt"
	"github.com/angelmondragon/storefront-backend/pkg/security/threat"
	"github.com/angelmondragon/storefront-backend/pkg/storage/gcs"
	pkgstripe "github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const (
	stripeEventTTL  = 72 * time.Hour
	shutdownTimeout = 15 * time.Second
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if err := run(cfg, logg); err != nil {
		logg.Error(context.Background(), "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger) (err error) {
	bootCtx := context.Background()

	dbClient, err := db.New(bootCtx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, dbClient.Close()) }()

	if err := migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redis.New(bootCtx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, redisClient.Close()) }()

	gcsClient, err := gcs.NewClient(bootCtx, cfg.GCS, cfg.GCP, logg)
	if err != nil {
		return err
	}

	stripeClient, err := pkgstripe.NewClient(bootCtx, cfg.Stripe, logg)
	if err != nil {
		return err
	}
	intents := pkgstripe.NewPaymentIntents(stripeClient)

	keys, err := fieldcrypt.NewKeyringFromConfig(cfg.Crypto)
	if err != nil {
		return err
	}

	sessionManager, err := session.NewManager(redisClient, cfg.JWT)
	if err != nil {
		return err
	}

	trustedProxies, err := cfg.Security.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := metrics.NewHTTPMetrics(registry)
	securityMetrics := metrics.NewSecurityMetrics(registry)
	paymentMetrics := metrics.NewPaymentMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter, err := buildLimiter(ctx, cfg.RateLimit, redisClient, securityMetrics, logg)
	if err != nil {
		return err
	}

	database := dbClient.DB()
	outboxService := outbox.NewService(outbox.NewRepository(database), logg)
	usersRepo := users.NewRepository(database)
	productRepo := products.NewRepository(database)

	authService, err := auth.NewService(auth.ServiceParams{
		UserRepo:       usersRepo,
		SessionManager: sessionManager,
		Keys:           keys,
		JWTConfig:      cfg.JWT,
		PasswordConfig: cfg.Password,
		Logger:         logg,
	})
	if err != nil {
		return err
	}
	registerService, err := auth.NewRegisterService(auth.RegisterServiceParams{
		DB:             dbClient,
		Outbox:         outboxService,
		Keys:           keys,
		PasswordConfig: cfg.Password,
	})
	if err != nil {
		return err
	}
	usersService, err := users.NewService(users.ServiceParams{
		Repo:     usersRepo,
		Keys:     keys,
		Sessions: sessionManager,
		Logger:   logg,
	})
	if err != nil {
		return err
	}
	productService, err := products.NewService(productRepo, dbClient, cfg.Checkout.Currency)
	if err != nil {
		return err
	}
	mediaService, err := media.NewService(media.ServiceParams{
		Products: productRepo,
		Store:    gcsClient,
		Tx:       dbClient,
		MaxBytes: cfg.GCS.UploadMaxBytes,
		Logger:   logg,
	})
	if err != nil {
		return err
	}
	addressService, err := address.NewService(database, dbClient, keys)
	if err != nil {
		return err
	}
	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Tx:        dbClient,
		Outbox:    outboxService,
		Addresses: addressService,
		Keys:      keys,
		Intents:   intents,
		Pricing:   checkout.PricingFromConfig(cfg.Checkout),
		Retry:     pkgstripe.DefaultRetryPolicy(),
		Logger:    logg,
	})
	if err != nil {
		return err
	}
	ordersService, err := orders.NewService(orders.ServiceParams{
		DB:      database,
		Tx:      dbClient,
		Outbox:  outboxService,
		Keys:    keys,
		Intents: intents,
		Logger:  logg,
	})
	if err != nil {
		return err
	}
	adminService, err := admin.NewService(database, cfg.Checkout.Currency)
	if err != nil {
		return err
	}

	reconciler, err := payments.NewReconciler(payments.ReconcilerParams{
		DB:      database,
		Tx:      dbClient,
		Outbox:  outboxService,
		Intents: intents,
		Metrics: paymentMetrics,
		Logger:  logg,
	})
	if err != nil {
		return err
	}
	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Reconciler: reconciler,
		Logger:     logg,
	})
	if err != nil {
		return err
	}
	webhookGuard, err := stripewebhook.NewIdempotencyGuard(redisClient, stripeEventTTL, "stripe-webhook")
	if err != nil {
		return err
	}

	handler := routes.NewRouter(routes.RouterParams{
		Config:          cfg,
		Logger:          logg,
		DB:              dbClient,
		Redis:           redisClient,
		Cache:           redisClient,
		Sessions:        sessionManager,
		Limiter:         limiter,
		Detector:        threat.NewDefaultDetector(),
		TrustedProxies:  trustedProxies,
		Gatherer:        registry,
		HTTPMetrics:     httpMetrics,
		SecurityMetrics: securityMetrics,

		AuthService:     authService,
		RegisterService: registerService,
		UsersService:    usersService,
		ProductService:  productService,
		MediaService:    mediaService,
		AddressService:  addressService,
		CheckoutService: checkoutService,
		OrdersService:   ordersService,
		AdminService:    adminService,

		StripeWebhookService: webhookService,
		StripeClient:         stripeClient,
		StripeWebhookGuard:   webhookGuard,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := instance.GetID("local")
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logg.Info(logCtx, "api server shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildLimiter prefers the shared Redis window and degrades to per-instance
// buckets when Redis is unreachable.
func buildLimiter(ctx context.Context, cfg config.RateLimitConfig, store *redis.Client, m *metrics.SecurityMetrics, logg *logger.Logger) (ratelimit.Limiter, error) {
	primary, err := ratelimit.NewRedisLimiter(store)
	if err != nil {
		return nil, err
	}
	local := ratelimit.NewLocalLimiter(cfg.LocalBurst)
	local.StartJanitor(ctx, cfg.JanitorInterval, cfg.LocalMaxIdle)
	limiter, err := ratelimit.NewFallbackLimiter(primary, local, logg, m.IncFallback)
	if err != nil {
		return nil, err
	}
	return limiter, nil
}
