package middleware

import (
	"net/http"

	"github.com/unrolled/secure"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

const permissionsPolicy = "camera=(), microphone=(), geolocation=(), payment=()"

// SecurityHeaders hardens every response. HSTS is only sent in production so
// local http development keeps working.
func SecurityHeaders(cfg config.SecurityConfig, isProd bool) func(http.Handler) http.Handler {
	opts := secure.Options{
		AllowedHosts:          cfg.AllowedHosts,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ContentSecurityPolicy: cfg.ContentSecurity,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		PermissionsPolicy:     permissionsPolicy,
		IsDevelopment:         !isProd,
	}
	if isProd && cfg.HSTSMaxAge > 0 {
		opts.STSSeconds = int64(cfg.HSTSMaxAge.Seconds())
		opts.STSIncludeSubdomains = true
	}
	headers := secure.New(opts)
	return func(next http.Handler) http.Handler {
		return headers.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
			next.ServeHTTP(w, r)
		}))
	}
}
