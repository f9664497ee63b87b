package http

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds the bot's Prometheus metrics.
type MetricsRegistry struct {
	DecisionIterations   prometheus.Counter
	GateDecisions        *prometheus.CounterVec
	CompositeScores      prometheus.Histogram
	OpenPositions        prometheus.Gauge
	QuotaCallsUsed       prometheus.Gauge
	DeferredCalls        prometheus.Gauge
	ReconcileDivergences *prometheus.CounterVec
	ProviderFailures     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsRegistry creates and registers the bot's metric set on a
// dedicated registry, keeping the scrape surface free of default
// collectors' noise except process/go stats.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		DecisionIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stockbot_decision_iterations_total",
			Help: "Completed decision loop iterations",
		}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_gate_decisions_total",
			Help: "Gate pipeline decisions by terminal gate and result",
		}, []string{"gate", "result"}),
		CompositeScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stockbot_composite_score",
			Help:    "Distribution of final composite scores",
			Buckets: prometheus.LinearBuckets(-100, 20, 11),
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockbot_open_positions",
			Help: "Currently open positions in the local ledger",
		}),
		QuotaCallsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockbot_quota_calls_used_today",
			Help: "API calls consumed against the daily cap",
		}),
		DeferredCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stockbot_quota_deferred_calls",
			Help: "Calls waiting on the durable deferred queue",
		}),
		ReconcileDivergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_reconcile_divergences_total",
			Help: "Ledger-vs-venue divergences observed by kind",
		}, []string{"kind"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stockbot_provider_failures_total",
			Help: "Provider fetch failures by endpoint",
		}, []string{"endpoint"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.DecisionIterations,
		m.GateDecisions,
		m.CompositeScores,
		m.OpenPositions,
		m.QuotaCallsUsed,
		m.DeferredCalls,
		m.ReconcileDivergences,
		m.ProviderFailures,
	)
	return m
}

// Gatherer exposes the underlying registry for the /metrics handler and
// for tests that inspect gathered families.
func (m *MetricsRegistry) Gatherer() prometheus.Gatherer {
	return m.registry
}
