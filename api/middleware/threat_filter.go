package middleware

import (
	"bytes"
	"context"
	"io"
	"maps"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/security/threat"
)

const webhookPathPrefix = "/api/v1/webhooks/"

// banStore is the Redis surface used for strikes and bans.
type banStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	BanKey(subject string) string
	StrikeKey(subject string) string
}

type ThreatFilterParams struct {
	Detector *threat.Detector
	Bans     banStore
	Config   config.SecurityConfig
	Metrics  *metrics.SecurityMetrics
	Logger   *logger.Logger
}

// ThreatFilter rejects requests whose path, query, user agent or body match a
// known attack signature. Repeat offenders are banned for a while when
// auto-ban is on. Ban lookups that fail let the request through to the
// remaining checks.
func ThreatFilter(params ThreatFilterParams) func(http.Handler) http.Handler {
	cfg := params.Config
	detector := params.Detector
	if detector == nil {
		detector = threat.NewDefaultDetector()
	}
	logg := params.Logger
	return func(next http.Handler) http.Handler {
		if !cfg.ThreatFilterEnabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := clientIP(r)

			if params.Bans != nil && cfg.AutoBanEnabled {
				banned, err := params.Bans.Exists(ctx, params.Bans.BanKey(ip))
				if err != nil && logg != nil {
					logg.Warn(logg.WithField(ctx, "error", err.Error()), "security.ban_lookup_failed")
				}
				if banned {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "access denied"))
					return
				}
			}

			match, found := inspectRequest(detector, r, cfg.BodyInspectLimit)
			if !found {
				next.ServeHTTP(w, r)
				return
			}

			params.Metrics.IncThreat(string(match.Category))
			if logg != nil {
				logg.Warn(logg.WithFields(ctx, map[string]any{
					"category": string(match.Category),
					"rule":     match.Rule,
					"location": match.Location,
					"ip":       ip,
				}), "security.threat.blocked")
			}
			strike(ctx, params, ip)
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "request blocked"))
		})
	}
}

func inspectRequest(detector *threat.Detector, r *http.Request, bodyLimit int64) (threat.Match, bool) {
	if match, ok := detector.Inspect("path", r.URL.Path); ok {
		return match, true
	}
	query := r.URL.Query()
	for _, key := range slices.Sorted(maps.Keys(query)) {
		if match, ok := detector.Inspect("query_key", key); ok {
			return match, true
		}
		for _, value := range query[key] {
			if match, ok := detector.Inspect("query:"+key, value); ok {
				return match, true
			}
		}
	}
	if match, ok := detector.InspectUserAgent(r.UserAgent()); ok {
		return match, true
	}
	if strings.HasPrefix(r.URL.Path, webhookPathPrefix) || !inspectableBody(r) || bodyLimit <= 0 {
		return threat.Match{}, false
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, bodyLimit))
	if err != nil {
		return threat.Match{}, false
	}
	r.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	return detector.Inspect("body", string(head))
}

func inspectableBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "application/json" || mediaType == "application/x-www-form-urlencoded"
}

type readCloser struct {
	io.Reader
	io.Closer
}

func strike(ctx context.Context, params ThreatFilterParams, ip string) {
	cfg := params.Config
	if params.Bans == nil || !cfg.AutoBanEnabled || cfg.AutoBanThreshold <= 0 || ip == "" {
		return
	}
	logg := params.Logger
	count, err := params.Bans.IncrWithTTL(ctx, params.Bans.StrikeKey(ip), cfg.AutoBanWindow)
	if err != nil {
		if logg != nil {
			logg.Error(ctx, "security.strike_failed", err)
		}
		return
	}
	if count < int64(cfg.AutoBanThreshold) {
		return
	}
	if err := params.Bans.Set(ctx, params.Bans.BanKey(ip), time.Now().UTC().Format(time.RFC3339), cfg.AutoBanDuration); err != nil {
		if logg != nil {
			logg.Error(ctx, "security.ban_failed", err)
		}
		return
	}
	params.Metrics.IncBan()
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"ip":         ip,
			"strikes":    count,
			"ban_window": cfg.AutoBanDuration.String(),
		}), "security.ip_banned")
	}
}
