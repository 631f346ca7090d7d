package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/ratelimit"
)

// RateLimitPolicy is one named request budget.
type RateLimitPolicy struct {
	Name   string
	Limit  int
	Window time.Duration
}

func (p RateLimitPolicy) enabled() bool {
	return p.Limit > 0 && p.Window > 0
}

// RateLimit enforces policy per caller. Authenticated callers are keyed by
// user id, everyone else by client IP. Limiter errors are answered with 503.
func RateLimit(policy RateLimitPolicy, limiter ratelimit.Limiter, m *metrics.SecurityMetrics, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			subject := "ip:" + clientIP(r)
			if userID := UserIDFromContext(ctx); userID != "" {
				subject = "user:" + userID
			}

			decision, err := limiter.Allow(ctx, policy.Name+":"+subject, policy.Limit, policy.Window)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
				return
			}
			writeRateHeaders(w, decision)
			if !decision.Allowed {
				m.IncRateLimited(policy.Name)
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{
						"policy":  policy.Name,
						"subject": subject,
						"limit":   decision.Limit,
					}), "ratelimit.rejected")
				}
				rejectRateLimited(ctx, logg, w, decision.ResetAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAfter)))
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
