package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Latency: полный цикл обработки конверта роутером
	RouteDuration *prometheus.HistogramVec

	// Traffic: конверты по типу и исходу
	MessagesTotal *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorsTotal *prometheus.CounterVec

	// Saturation: состояние предохранителей (0 - closed, 1 - open, 2 - half-open)
	CircuitBreakerState *prometheus.GaugeVec

	// Инциденты по состояниям жизненного цикла
	IncidentsByState *prometheus.GaugeVec

	// Раунды консенсуса по итогам
	ConsensusTotal *prometheus.CounterVec

	// Audit: заполненность буфера архиватора
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - без реестра метрики копятся в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RouteDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aaps_route_duration_seconds",
			Help:    "Histogram of envelope processing latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"message_type", "status"}),

		MessagesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aaps_messages_total",
			Help: "Total number of routed envelopes.",
		}, []string{"message_type", "status"}),

		ErrorsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aaps_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: validation, not_allowed, transition, audit, downstream, busy

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "aaps_circuit_breaker_state",
			Help: "Current circuit breaker state per agent (0=closed, 1=open, 2=half-open).",
		}, []string{"agent_id"}),

		IncidentsByState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "aaps_incidents_by_state",
			Help: "Number of incidents currently in each lifecycle state.",
		}, []string{"state"}),

		ConsensusTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "aaps_consensus_rounds_total",
			Help: "Total number of consensus rounds by outcome.",
		}, []string{"outcome"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "aaps_audit_buffer_utilization",
			Help: "Current number of entries in the audit archive buffer.",
		}),
	}
}

// ObserveBreaker транслирует смену состояния предохранителя в гейдж.
func (m *Metrics) ObserveBreaker(agentID string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(agentID).Set(v)
}
