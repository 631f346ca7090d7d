package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/security/threat"
)

type fakeBanStore struct {
	mu      sync.Mutex
	strikes map[string]int64
	bans    map[string]time.Duration
}

func newFakeBanStore() *fakeBanStore {
	return &fakeBanStore{strikes: map[string]int64{}, bans: map[string]time.Duration{}}
}

func (f *fakeBanStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bans[key]
	return ok, nil
}

func (f *fakeBanStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strikes[key]++
	return f.strikes[key], nil
}

func (f *fakeBanStore) Set(_ context.Context, key string, _ any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[key] = ttl
	return nil
}

func (f *fakeBanStore) BanKey(subject string) string    { return "sf:ban:" + subject }
func (f *fakeBanStore) StrikeKey(subject string) string { return "sf:strike:" + subject }

func threatConfig() config.SecurityConfig {
	return config.SecurityConfig{
		ThreatFilterEnabled: true,
		BodyInspectLimit:    1024,
		AutoBanEnabled:      true,
		AutoBanThreshold:    2,
		AutoBanWindow:       time.Minute,
		AutoBanDuration:     time.Hour,
	}
}

func TestThreatFilterBlocksAndBans(t *testing.T) {
	bans := newFakeBanStore()
	reg := prometheus.NewRegistry()
	secMetrics := metrics.NewSecurityMetrics(reg)
	served := 0
	handler := ThreatFilter(ThreatFilterParams{Bans: bans, Config: threatConfig(), Metrics: secMetrics})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	send := func(target string) int {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.RemoteAddr = "6.6.6.6:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("/api/v1/products?q=" + url.QueryEscape("1 UNION ALL SELECT password FROM users")); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := send("/api/v1/products?q=kettle"); code != http.StatusOK {
		t.Fatalf("benign request should pass before ban, got %d", code)
	}
	if code := send("/api/v1/products?q=" + url.QueryEscape("<script>alert(1)</script>")); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if ttl, ok := bans.bans["sf:ban:6.6.6.6"]; !ok || ttl != time.Hour {
		t.Fatalf("expected ip banned for an hour, got %v", bans.bans)
	}
	if code := send("/api/v1/products?q=kettle"); code != http.StatusForbidden {
		t.Fatalf("banned ip should be rejected, got %d", code)
	}
	if served != 1 {
		t.Fatalf("expected handler to run once, ran %d", served)
	}
	if got := threatTotal(t, reg); got != 2 {
		t.Fatalf("expected 2 threats counted, got %v", got)
	}
}

func threatTotal(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != "storefront_security_threats_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestThreatFilterInspectsAndRestoresBody(t *testing.T) {
	var seen string
	handler := ThreatFilter(ThreatFilterParams{Config: threatConfig()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	clean := `{"first_name":"Jane Doe","line1":"42 Main St. Apt 3"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/addresses", strings.NewReader(clean))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != clean {
		t.Fatalf("expected body passed through intact, got %d %q", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/addresses", strings.NewReader(`{"line1":"x'; DROP TABLE orders"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected body payload blocked, got %d", rec.Code)
	}
}

func TestThreatFilterSkipsWebhookBodiesAndChecksAgents(t *testing.T) {
	handler := ThreatFilter(ThreatFilterParams{Config: threatConfig()})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"description":"<script>alert(1)</script>"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook body should not be inspected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("User-Agent", "sqlmap/1.7.2#stable (https://sqlmap.org)")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("scanner user agent should be blocked, got %d", rec.Code)
	}
}

func TestInspectRequestReportsQueryMatchesInKeyOrder(t *testing.T) {
	detector := threat.NewDefaultDetector()
	target := "/api/v1/products?zeta=" + url.QueryEscape("<script>alert(1)</script>") +
		"&alpha=" + url.QueryEscape("1 UNION ALL SELECT password FROM users") +
		"&mid=" + url.QueryEscape("../../etc/passwd")

	for range 25 {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		match, ok := inspectRequest(detector, req, 0)
		if !ok {
			t.Fatal("expected a match")
		}
		if match.Location != "query:alpha" || match.Category != threat.CategorySQLi {
			t.Fatalf("expected first key in order to win, got %+v", match)
		}
	}
}
