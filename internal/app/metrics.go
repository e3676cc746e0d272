package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the engine's Prometheus collectors on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry                  *prometheus.Registry
	paymentsReceived          *prometheus.CounterVec
	paymentsSent              *prometheus.CounterVec
	refundsSent               *prometheus.CounterVec
	transitionFailures        *prometheus.CounterVec
	reconciliationCorrections *prometheus.CounterVec
	eventDeliveries           *prometheus.CounterVec
	streamsHalted             *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		paymentsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "payments_received_total",
			Help:      "Sum of inbound payment amounts applied to custody transactions.",
		}, []string{"asset"}),
		paymentsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "payments_sent_total",
			Help:      "Sum of outbound payment amounts applied to custody transactions.",
		}, []string{"asset"}),
		refundsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "refunds_sent_total",
			Help:      "Sum of refund amounts confirmed on a rail.",
		}, []string{"asset"}),
		transitionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "transition_failures_total",
			Help:      "Custody transactions moved to failed, by reason.",
		}, []string{"reason"}),
		reconciliationCorrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "reconciliation_corrections_total",
			Help:      "State changes applied by the reconciliation job.",
		}, []string{"rail", "outcome"}),
		eventDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "event_deliveries_total",
			Help:      "Anchor event delivery attempts by channel and result.",
		}, []string{"channel", "result"}),
		streamsHalted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custody",
			Name:      "observer_streams_halted_total",
			Help:      "Observer streams stopped by a fatal provider error.",
		}, []string{"stream"}),
	}
	m.registry.MustRegister(
		m.paymentsReceived,
		m.paymentsSent,
		m.refundsSent,
		m.transitionFailures,
		m.reconciliationCorrections,
		m.eventDeliveries,
		m.streamsHalted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) PaymentReceived(asset string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.paymentsReceived.WithLabelValues(asset).Add(amount.InexactFloat64())
}

func (m *Metrics) PaymentSent(asset string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.paymentsSent.WithLabelValues(asset).Add(amount.InexactFloat64())
}

func (m *Metrics) RefundSent(asset string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.refundsSent.WithLabelValues(asset).Add(amount.InexactFloat64())
}

func (m *Metrics) TransitionFailed(reason string) {
	if m == nil {
		return
	}
	m.transitionFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReconciliationCorrected(rail, outcome string) {
	if m == nil {
		return
	}
	m.reconciliationCorrections.WithLabelValues(rail, outcome).Inc()
}

func (m *Metrics) EventDelivery(channel, result string) {
	if m == nil {
		return
	}
	m.eventDeliveries.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) StreamHalted(stream string) {
	if m == nil {
		return
	}
	m.streamsHalted.WithLabelValues(stream).Inc()
}
