package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	RateLimit     RateLimitConfig
	Security      SecurityConfig
	Crypto        CryptoConfig
	FeatureFlags  FeatureFlagsConfig
	GCP           GCPConfig
	GCS           GCSConfig
	PubSub        PubSubConfig
	Stripe        StripeConfig
	Sendgrid      SendgridConfig
	Outbox        OutboxConfig
	Checkout      CheckoutConfig
	Cron          CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Checkout.validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Security.TrustedProxyPrefixes(); err != nil {
		return nil, err
	}
	if cfg.App.IsProd() && cfg.Stripe.Environment() != "live" {
		return nil, fmt.Errorf("%s must be live when %s is %s", EnvStripeEnv, EnvAppEnv, AppEnvProd)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STOREFRONT_SERVICE_KIND" default:"api"`
	// MetricsAddr exposes /metrics on background workers; empty disables it.
	MetricsAddr string `envconfig:"STOREFRONT_METRICS_ADDR"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STOREFRONT_DB_HOST"`
	LegacyPort     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STOREFRONT_DB_USER"`
	LegacyPassword string `envconfig:"STOREFRONT_DB_PASSWORD"`
	LegacyName     string `envconfig:"STOREFRONT_DB_NAME"`
	LegacySSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"STOREFRONT_DB_SLOW_QUERY" default:"200ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret                 string `envconfig:"STOREFRONT_JWT_SECRET" required:"true"`
	Issuer                 string `envconfig:"STOREFRONT_JWT_ISSUER" required:"true"`
	ExpirationMinutes      int    `envconfig:"STOREFRONT_JWT_EXPIRATION_MINUTES" required:"true"`
	RefreshTokenTTLMinutes int    `envconfig:"STOREFRONT_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"STOREFRONT_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"STOREFRONT_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"STOREFRONT_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"STOREFRONT_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"STOREFRONT_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	LoginWindow        time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

// RateLimitConfig drives the shared API limiter and its in-process fallback.
type RateLimitConfig struct {
	Enabled         bool          `envconfig:"STOREFRONT_RATE_LIMIT_ENABLED" default:"true"`
	APILimit        int           `envconfig:"STOREFRONT_RATE_LIMIT_API_LIMIT" default:"120"`
	APIWindow       time.Duration `envconfig:"STOREFRONT_RATE_LIMIT_API_WINDOW" default:"1m"`
	AdminLimit      int           `envconfig:"STOREFRONT_RATE_LIMIT_ADMIN_LIMIT" default:"60"`
	AdminWindow     time.Duration `envconfig:"STOREFRONT_RATE_LIMIT_ADMIN_WINDOW" default:"1m"`
	LocalBurst      int           `envconfig:"STOREFRONT_RATE_LIMIT_LOCAL_BURST" default:"20"`
	JanitorInterval time.Duration `envconfig:"STOREFRONT_RATE_LIMIT_JANITOR_INTERVAL" default:"1m"`
	LocalMaxIdle    time.Duration `envconfig:"STOREFRONT_RATE_LIMIT_LOCAL_MAX_IDLE" default:"10m"`
}

type SecurityConfig struct {
	ThreatFilterEnabled bool          `envconfig:"STOREFRONT_SECURITY_THREAT_FILTER_ENABLED" default:"true"`
	BodyInspectLimit    int64         `envconfig:"STOREFRONT_SECURITY_BODY_INSPECT_LIMIT" default:"65536"`
	MaxRequestBytes     int64         `envconfig:"STOREFRONT_SECURITY_MAX_REQUEST_BYTES" default:"1048576"`
	AutoBanEnabled      bool          `envconfig:"STOREFRONT_SECURITY_AUTO_BAN_ENABLED" default:"true"`
	AutoBanThreshold    int           `envconfig:"STOREFRONT_SECURITY_AUTO_BAN_THRESHOLD" default:"5"`
	AutoBanWindow       time.Duration `envconfig:"STOREFRONT_SECURITY_AUTO_BAN_WINDOW" default:"10m"`
	AutoBanDuration     time.Duration `envconfig:"STOREFRONT_SECURITY_AUTO_BAN_DURATION" default:"1h"`
	ContentSecurity     string        `envconfig:"STOREFRONT_SECURITY_CSP" default:"default-src 'none'; frame-ancestors 'none'"`
	HSTSMaxAge          time.Duration `envconfig:"STOREFRONT_SECURITY_HSTS_MAX_AGE" default:"8760h"`
	AllowedHosts        []string      `envconfig:"STOREFRONT_SECURITY_ALLOWED_HOSTS"`
	AllowedOrigins      []string      `envconfig:"STOREFRONT_SECURITY_ALLOWED_ORIGINS" default:"*"`
	// TrustedProxies lists the load balancer addresses or CIDRs allowed to set
	// X-Forwarded-For. Empty means the socket peer is always the client.
	TrustedProxies []string `envconfig:"STOREFRONT_SECURITY_TRUSTED_PROXIES"`
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (c SecurityConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", EnvSecurityTrustedProxies, err)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSecurityTrustedProxies, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// CryptoConfig carries the field encryption keyring. FieldKeys is a comma list of version:secret pairs.
type CryptoConfig struct {
	FieldKeys        []string `envconfig:"STOREFRONT_CRYPTO_FIELD_KEYS" required:"true"`
	ActiveVersion    int      `envconfig:"STOREFRONT_CRYPTO_ACTIVE_VERSION" required:"true"`
	BlindIndexSecret string   `envconfig:"STOREFRONT_CRYPTO_BLIND_INDEX_SECRET" required:"true"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STOREFRONT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STOREFRONT_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"STOREFRONT_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STOREFRONT_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName     string `envconfig:"STOREFRONT_GCS_BUCKET_NAME" required:"true"`
	UploadMaxBytes int64  `envconfig:"STOREFRONT_GCS_UPLOAD_MAX_BYTES" default:"52428800"`
	PublicBaseURL  string `envconfig:"STOREFRONT_GCS_PUBLIC_BASE_URL" default:"https://storage.googleapis.com"`
}

type PubSubConfig struct {
	DomainTopic        string `envconfig:"STOREFRONT_PUBSUB_DOMAIN_TOPIC" default:"sf-domain-events"`
	MailerSubscription string `envconfig:"STOREFRONT_PUBSUB_MAILER_SUBSCRIPTION" default:"sf-mailer"`
	DLQTopic           string `envconfig:"STOREFRONT_PUBSUB_DLQ_TOPIC" default:"sf-domain-events-dlq"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"STOREFRONT_OUTBOX_RETENTION_DAYS" default:"30"`
}

type StripeConfig struct {
	APIKey string `envconfig:"STOREFRONT_STRIPE_API_KEY"`
	Secret string `envconfig:"STOREFRONT_STRIPE_SECRET"`
	Env    string `envconfig:"STOREFRONT_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SendgridConfig struct {
	APIKey          string `envconfig:"STOREFRONT_SENDGRID_API_KEY"`
	DefaultFrom     string `envconfig:"STOREFRONT_SENDGRID_FROM_EMAIL"`
	DefaultFromName string `envconfig:"STOREFRONT_SENDGRID_FROM_NAME" default:"Storefront"`
	SandboxMode     bool   `envconfig:"STOREFRONT_SENDGRID_SANDBOX" default:"false"`
}

type CheckoutConfig struct {
	Currency              string        `envconfig:"STOREFRONT_CHECKOUT_CURRENCY" default:"usd"`
	TaxRate               string        `envconfig:"STOREFRONT_CHECKOUT_TAX_RATE" default:"0"`
	FlatShippingCents     int64         `envconfig:"STOREFRONT_CHECKOUT_FLAT_SHIPPING_CENTS" default:"0"`
	FreeShippingThreshold int64         `envconfig:"STOREFRONT_CHECKOUT_FREE_SHIPPING_CENTS" default:"0"`
	UnpaidOrderTTL        time.Duration `envconfig:"STOREFRONT_CHECKOUT_UNPAID_ORDER_TTL" default:"30m"`
}

// TaxRateDecimal parses TaxRate. validate guarantees it is well formed after Load.
func (c CheckoutConfig) TaxRateDecimal() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRate))
	if err != nil {
		return decimal.Zero
	}
	return rate
}

func (c CheckoutConfig) validate() error {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRate))
	if err != nil {
		return fmt.Errorf("%s invalid: %w", EnvCheckoutTaxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%s must be between 0 and 1", EnvCheckoutTaxRate)
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return fmt.Errorf("%s must be a 3-letter ISO code", EnvCheckoutCurrency)
	}
	return nil
}

type CronConfig struct {
	Interval          time.Duration `envconfig:"STOREFRONT_CRON_INTERVAL" default:"1m"`
	ReconcileLookback time.Duration `envconfig:"STOREFRONT_CRON_RECONCILE_LOOKBACK" default:"72h"`
	ReconcileMinAge   time.Duration `envconfig:"STOREFRONT_CRON_RECONCILE_MIN_AGE" default:"5m"`
	RotationBatchSize int           `envconfig:"STOREFRONT_CRON_ROTATION_BATCH_SIZE" default:"200"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
