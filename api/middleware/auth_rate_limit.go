package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/ratelimit"
)

// AuthRateLimitPolicy throttles one credential endpoint by client IP and by
// the email address in the JSON body.
type AuthRateLimitPolicy struct {
	name       string
	window     time.Duration
	ipLimit    int
	emailLimit int
}

func NewAuthRateLimitPolicy(name string, window time.Duration, ipLimit, emailLimit int) AuthRateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "auth"
	}
	return AuthRateLimitPolicy{name: name, window: window, ipLimit: ipLimit, emailLimit: emailLimit}
}

func (p AuthRateLimitPolicy) enabled() bool {
	return p.window > 0 && (p.ipLimit > 0 || p.emailLimit > 0)
}

// budget is a single counter checked for a request. The subject is logged,
// so it never holds a raw email.
type budget struct {
	dimension string
	subject   string
	limit     int
}

func (p AuthRateLimitPolicy) key(b budget) string {
	return "auth:" + p.name + ":" + b.dimension + ":" + b.subject
}

// budgets lists the counters r is charged against. Reading the email
// consumes the body, so it is buffered and put back.
func (p AuthRateLimitPolicy) budgets(r *http.Request) ([]budget, error) {
	out := make([]budget, 0, 2)
	if ip := clientIP(r); p.ipLimit > 0 && ip != "" {
		out = append(out, budget{dimension: "ip", subject: ip, limit: p.ipLimit})
	}
	if p.emailLimit == 0 || r.Body == nil {
		return out, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var creds struct {
		Email string `json:"email"`
	}
	if json.Unmarshal(body, &creds) == nil {
		if email := strings.ToLower(strings.TrimSpace(creds.Email)); email != "" {
			sum := sha256.Sum256([]byte(email))
			out = append(out, budget{dimension: "email", subject: hex.EncodeToString(sum[:]), limit: p.emailLimit})
		}
	}
	return out, nil
}

// AuthRateLimit applies policy before the credential handler runs. The first
// exhausted budget rejects the request with 429.
func AuthRateLimit(policy AuthRateLimitPolicy, limiter ratelimit.Limiter, m *metrics.SecurityMetrics, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !policy.enabled() || limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			budgets, err := policy.budgets(r)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}

			for _, b := range budgets {
				decision, err := limiter.Allow(ctx, policy.key(b), b.limit, policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if decision.Allowed {
					continue
				}
				m.IncRateLimited(policy.name)
				if logg != nil {
					logg.Warn(logg.WithFields(ctx, map[string]any{
						"policy":         policy.name,
						"dimension":      b.dimension,
						"subject":        b.subject,
						"limit":          decision.Limit,
						"window_seconds": int(policy.window.Seconds()),
					}), "auth.rate_limit.blocked")
				}
				writeRateHeaders(w, decision)
				rejectRateLimited(ctx, logg, w, decision.ResetAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, resetAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(max(ceilSeconds(resetAfter), 1)))
	responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeRateLimit, "rate limit exceeded"))
}
