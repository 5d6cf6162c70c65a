package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the checkout collectors. A nil *Metrics is valid and records
// nothing, so tests and jobs can skip registration.
type Metrics struct {
	checkouts      *prometheus.CounterVec
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	notifications  *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "begin_total",
			Help:      "BeginCheckout calls by outcome.",
		}, []string{"outcome"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "gateway_calls_total",
			Help:      "Gateway calls by operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "checkout",
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "session_transitions_total",
			Help:      "Payment session transitions into a status.",
		}, []string{"status", "reason"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "checkout",
			Name:      "order_notifications_total",
			Help:      "Order record notifications by outcome.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.checkouts, m.gatewayCalls, m.gatewayLatency, m.transitions, m.notifications)
	}
	return m
}

func (m *Metrics) CheckoutOutcome(outcome string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GatewayCall(provider, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.gatewayLatency.WithLabelValues(provider, operation).Observe(elapsed.Seconds())
}

func (m *Metrics) Transition(status, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}
