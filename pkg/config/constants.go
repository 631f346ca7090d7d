package config

const (
	EnvPrefix = "STOREFRONT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "STOREFRONT_APP_ENV"
	EnvPort     = "STOREFRONT_APP_PORT"
	EnvLogLevel = "STOREFRONT_LOG_LEVEL"

	EnvDBDSN  = "STOREFRONT_DB_DSN"
	EnvDBHost = "STOREFRONT_DB_HOST"
	EnvDBUser = "STOREFRONT_DB_USER"
	EnvDBName = "STOREFRONT_DB_NAME"

	EnvRedisURL = "STOREFRONT_REDIS_URL"

	EnvJWTSecret              = "STOREFRONT_JWT_SECRET"
	EnvJWTIssuer              = "STOREFRONT_JWT_ISSUER"
	EnvJWTExpMins             = "STOREFRONT_JWT_EXPIRATION_MINUTES"
	EnvRefreshTokenTTLMinutes = "STOREFRONT_REFRESH_TOKEN_TTL_MINUTES"

	EnvCryptoFieldKeys     = "STOREFRONT_CRYPTO_FIELD_KEYS"
	EnvCryptoActiveVersion = "STOREFRONT_CRYPTO_ACTIVE_VERSION"
	EnvCryptoBlindIndex    = "STOREFRONT_CRYPTO_BLIND_INDEX_SECRET"

	EnvGCPProjectID = "STOREFRONT_GCP_PROJECT_ID"
	EnvGCSBucket    = "STOREFRONT_GCS_BUCKET_NAME"

	EnvPubSubDomainTopic = "STOREFRONT_PUBSUB_DOMAIN_TOPIC"

	EnvStripeEnv = "STOREFRONT_STRIPE_ENV"

	EnvCheckoutCurrency = "STOREFRONT_CHECKOUT_CURRENCY"
	EnvCheckoutTaxRate  = "STOREFRONT_CHECKOUT_TAX_RATE"

	EnvSecurityTrustedProxies = "STOREFRONT_SECURITY_TRUSTED_PROXIES"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
