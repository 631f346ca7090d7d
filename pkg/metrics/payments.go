package metrics

import "github.com/prometheus/client_golang/prometheus"

// PaymentMetrics counts how payment intents were applied to orders.
type PaymentMetrics struct {
	applied *prometheus.CounterVec
}

func NewPaymentMetrics(reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		return &PaymentMetrics{}
	}
	applied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "applied_total",
		Help:      "Payment intent applications by source and outcome.",
	}, []string{"source", "outcome"})
	reg.MustRegister(applied)
	return &PaymentMetrics{applied: applied}
}

// IncApplied records one application. source is "webhook" or "reconciler".
func (m *PaymentMetrics) IncApplied(source, outcome string) {
	if m == nil || m.applied == nil {
		return
	}
	m.applied.WithLabelValues(labelOr(source), labelOr(outcome)).Inc()
}
