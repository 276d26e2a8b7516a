package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Policy decisions by operation kind and denial code.
	Decisions *prometheus.CounterVec

	// Reservation outcomes: created, replayed, reclaimed.
	IdempotencyOutcomes *prometheus.CounterVec

	// Latency of chain and provider calls.
	ExternalCallDuration *prometheus.HistogramVec

	AuditAppends *prometheus.CounterVec

	// 0=closed, 1=half-open, 2=open
	CircuitBreakerState *prometheus.GaugeVec

	Reconciled *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Unregistered sink when the caller does not expose metrics.
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aw_policy_decisions_total",
			Help: "Policy decisions by kind, outcome and code.",
		}, []string{"kind", "outcome", "code"}),

		IdempotencyOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aw_idempotency_outcomes_total",
			Help: "Idempotency reservation outcomes.",
		}, []string{"outcome"}),

		ExternalCallDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aw_external_call_duration_seconds",
			Help:    "Histogram of chain and provider call latencies.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"target", "op", "result"}),

		AuditAppends: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aw_audit_appends_total",
			Help: "Audit chain appends by decision and result.",
		}, []string{"decision", "result"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "aw_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		Reconciled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aw_reconcile_operations_total",
			Help: "Operations touched by the reconciliation sweep.",
		}, []string{"result"}),
	}
}

// SetBreakerState records a breaker transition. It matches the
// resilience wrapper's state-change hook.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
