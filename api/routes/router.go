package routes

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/webhooks"
	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/address"
	"github.com/angelmondragon/storefront-backend/internal/admin"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	checkoutsvc "github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/media"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	products "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/ratelimit"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
	"github.com/angelmondragon/storefront-backend/pkg/security/threat"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// banStore is the Redis surface the threat filter needs.
type banStore interface {
	redis.IdempotencyStore
	Exists(ctx context.Context, key string) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	BanKey(subject string) string
	StrikeKey(subject string) string
}

// RouterParams carries everything the HTTP surface is built from.
type RouterParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       pinger
	Redis    pinger
	Cache    banStore
	Sessions session.AccessSessionChecker
	Limiter  ratelimit.Limiter
	Detector *threat.Detector
	Gatherer prometheus.Gatherer

	// TrustedProxies may set X-Forwarded-For; see middleware.ClientIP.
	TrustedProxies []netip.Prefix

	HTTPMetrics     *metrics.HTTPMetrics
	SecurityMetrics *metrics.SecurityMetrics

	AuthService     auth.Service
	RegisterService auth.RegisterService
	UsersService    users.Service
	ProductService  products.Service
	MediaService    media.Service
	AddressService  address.Service
	CheckoutService checkoutsvc.Service
	OrdersService   orders.Service
	AdminService    admin.Service

	StripeWebhookService webhookcontrollers.StripeWebhookService
	StripeClient         webhookcontrollers.StripeClient
	StripeWebhookGuard   webhookcontrollers.StripeWebhookGuard
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.ClientIP(p.TrustedProxies),
		middleware.RequestID(logg),
		middleware.Metrics(p.HTTPMetrics),
		middleware.Logging(logg),
		middleware.SecurityHeaders(cfg.Security, cfg.App.IsProd()),
		middleware.CORS(cfg.Security.AllowedOrigins),
		middleware.BodyLimit(cfg.Security.MaxRequestBytes, cfg.GCS.UploadMaxBytes),
		middleware.ThreatFilter(middleware.ThreatFilterParams{
			Detector: p.Detector,
			Bans:     p.Cache,
			Config:   cfg.Security,
			Metrics:  p.SecurityMetrics,
			Logger:   logg,
		}),
	)

	apiPolicy := middleware.RateLimitPolicy{Name: "api", Limit: cfg.RateLimit.APILimit, Window: cfg.RateLimit.APIWindow}
	// apiPolicy runs before Auth and so always keys by IP; userPolicy gives
	// each signed-in caller the same budget again, keyed by user id.
	userPolicy := middleware.RateLimitPolicy{Name: "api_user", Limit: cfg.RateLimit.APILimit, Window: cfg.RateLimit.APIWindow}
	adminPolicy := middleware.RateLimitPolicy{Name: "admin", Limit: cfg.RateLimit.AdminLimit, Window: cfg.RateLimit.AdminWindow}
	if !cfg.RateLimit.Enabled {
		apiPolicy.Limit, userPolicy.Limit, adminPolicy.Limit = 0, 0, 0
	}

	loginPolicy := middleware.NewAuthRateLimitPolicy(
		"login",
		cfg.AuthRateLimit.LoginWindow,
		cfg.AuthRateLimit.LoginIPLimit,
		cfg.AuthRateLimit.LoginEmailLimit,
	)
	registerPolicy := middleware.NewAuthRateLimitPolicy(
		"register",
		cfg.AuthRateLimit.RegisterWindow,
		cfg.AuthRateLimit.RegisterIPLimit,
		cfg.AuthRateLimit.RegisterEmailLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, p.DB, p.Redis, logg))
	})
	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(apiPolicy, p.Limiter, p.SecurityMetrics, logg))

		r.Route("/api/v1/webhooks", func(r chi.Router) {
			r.Post("/stripe", webhookcontrollers.StripeWebhook(p.StripeWebhookService, p.StripeClient, p.StripeWebhookGuard, logg))
		})

		r.Route("/api/v1/auth", func(r chi.Router) {
			r.With(middleware.AuthRateLimit(loginPolicy, p.Limiter, p.SecurityMetrics, logg)).
				Post("/login", controllers.AuthLogin(p.AuthService, logg))
			r.With(
				middleware.AuthRateLimit(registerPolicy, p.Limiter, p.SecurityMetrics, logg),
				middleware.Idempotency(p.Cache, logg),
			).Post("/register", controllers.AuthRegister(p.RegisterService, p.AuthService, logg))
			r.Post("/refresh", controllers.AuthRefresh(p.AuthService, logg))
			r.With(middleware.Auth(cfg.JWT, p.Sessions, logg)).
				Post("/logout", controllers.AuthLogout(p.AuthService, logg))
		})

		r.Route("/api/v1/products", func(r chi.Router) {
			r.Get("/", controllers.ProductList(p.ProductService, logg))
			r.Get("/{idOrSlug}", controllers.ProductDetail(p.ProductService, logg))
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(cfg.JWT, p.Sessions, logg))
				r.Use(middleware.RateLimit(userPolicy, p.Limiter, p.SecurityMetrics, logg))
				r.Use(middleware.Idempotency(p.Cache, logg))

				r.Get("/me", controllers.MeGet(p.UsersService, logg))
				r.Patch("/me", controllers.MeUpdate(p.UsersService, logg))

				r.Route("/addresses", func(r chi.Router) {
					r.Get("/", controllers.AddressList(p.AddressService, logg))
					r.Post("/", controllers.AddressCreate(p.AddressService, logg))
					r.Get("/{addressId}", controllers.AddressGet(p.AddressService, logg))
					r.Patch("/{addressId}", controllers.AddressUpdate(p.AddressService, logg))
					r.Delete("/{addressId}", controllers.AddressDelete(p.AddressService, logg))
					r.Post("/{addressId}/primary", controllers.AddressSetPrimary(p.AddressService, logg))
				})

				r.Post("/checkout", controllers.Checkout(p.CheckoutService, logg))

				r.Route("/orders", func(r chi.Router) {
					r.Get("/", controllers.OrderList(p.OrdersService, logg))
					r.Get("/{orderId}", controllers.OrderDetail(p.OrdersService, logg))
					r.Post("/{orderId}/cancel", controllers.OrderCancel(p.OrdersService, logg))
				})
			})
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, p.Sessions, logg))
			r.Use(middleware.RequireRole(enums.UserRoleAdmin, logg))
			r.Use(middleware.RateLimit(adminPolicy, p.Limiter, p.SecurityMetrics, logg))
			r.Use(middleware.Idempotency(p.Cache, logg))

			r.Get("/stats", controllers.AdminStats(p.AdminService, logg))

			r.Route("/users", func(r chi.Router) {
				r.Get("/", controllers.AdminUserList(p.UsersService, logg))
				r.Patch("/{userId}", controllers.AdminUserUpdate(p.UsersService, logg))
			})

			r.Route("/products", func(r chi.Router) {
				r.Get("/", controllers.AdminProductList(p.ProductService, logg))
				r.Post("/", controllers.AdminProductCreate(p.ProductService, logg))
				r.Get("/{productId}", controllers.AdminProductDetail(p.ProductService, logg))
				r.Patch("/{productId}", controllers.AdminProductUpdate(p.ProductService, logg))
				r.Delete("/{productId}", controllers.AdminProductDelete(p.ProductService, logg))
				r.Post("/{productId}/media", controllers.AdminMediaUpload(p.MediaService, logg))
				r.Delete("/{productId}/media/{mediaId}", controllers.AdminMediaDelete(p.MediaService, logg))
				r.Post("/{productId}/images/{imageId}/primary", controllers.AdminProductSetPrimaryImage(p.ProductService, logg))
			})

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", controllers.AdminOrderList(p.OrdersService, logg))
				r.Patch("/{orderId}/status", controllers.AdminOrderUpdateStatus(p.OrdersService, logg))
			})
		})
	})

	return r
}
