// Package metrics provides Prometheus metrics for the stock ledger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Recalculations        prometheus.Counter
	CommitsCreated        prometheus.Counter
	CommitsRolledBack     prometheus.Counter
	CommitsFailed         prometheus.Counter
	RecalculationDuration prometheus.Histogram
	OpenInfusionSessions  prometheus.Gauge
	SweepDuration         prometheus.Histogram
	KafkaMessagesProduced prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		Recalculations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_recalculations_total",
			Help: "Total usage recalculations",
		}),
		CommitsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_commits_total",
			Help: "Total usage commits created",
		}),
		CommitsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_commits_rolled_back_total",
			Help: "Total commits rolled back",
		}),
		CommitsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_commits_failed_total",
			Help: "Total commit attempts that failed",
		}),
		RecalculationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usage_recalculation_duration_seconds",
			Help:    "Usage recalculation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		OpenInfusionSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_infusion_sessions",
			Help: "Records with at least one open infusion session",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "infusion_sweep_duration_seconds",
			Help:    "Duration of a full open-infusion sweep",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60},
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.Recalculations,
		m.CommitsCreated,
		m.CommitsRolledBack,
		m.CommitsFailed,
		m.RecalculationDuration,
		m.OpenInfusionSessions,
		m.SweepDuration,
		m.KafkaMessagesProduced,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
