package metrics

import "github.com/prometheus/client_golang/prometheus"

// SecurityMetrics counts threat-filter, ban and rate-limit decisions.
type SecurityMetrics struct {
	threats    *prometheus.CounterVec
	bans       prometheus.Counter
	rejections *prometheus.CounterVec
	fallbacks  prometheus.Counter
}

func NewSecurityMetrics(reg prometheus.Registerer) *SecurityMetrics {
	if reg == nil {
		return &SecurityMetrics{}
	}
	threats := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "threats_total",
		Help:      "Requests blocked by the threat filter, by category.",
	}, []string{"category"})
	bans := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "security",
		Name:      "bans_total",
		Help:      "Clients temporarily banned after repeated threats.",
	})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests rejected by the rate limiter, by policy.",
	}, []string{"policy"})
	fallbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "fallback_total",
		Help:      "Decisions made by the in-process limiter because redis failed.",
	})
	reg.MustRegister(threats, bans, rejections, fallbacks)
	return &SecurityMetrics{threats: threats, bans: bans, rejections: rejections, fallbacks: fallbacks}
}

func (m *SecurityMetrics) IncThreat(category string) {
	if m == nil || m.threats == nil {
		return
	}
	m.threats.WithLabelValues(labelOr(category)).Inc()
}

func (m *SecurityMetrics) IncBan() {
	if m == nil || m.bans == nil {
		return
	}
	m.bans.Inc()
}

func (m *SecurityMetrics) IncRateLimited(policy string) {
	if m == nil || m.rejections == nil {
		return
	}
	m.rejections.WithLabelValues(labelOr(policy)).Inc()
}

// IncFallback matches the ratelimit.FallbackLimiter hook signature.
func (m *SecurityMetrics) IncFallback() {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Inc()
}
