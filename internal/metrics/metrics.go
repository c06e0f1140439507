// Package metrics declares the Prometheus collectors shared by the engine,
// the notification relay and the HTTP server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rota"

var (
	// Claims counts shift claims by outcome (accepted, already_filled, ...).
	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "claims_total",
		Help:      "Shift claims by outcome",
	}, []string{"outcome"})

	// AlertTransitions counts alerts entering each status.
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "transitions_total",
		Help:      "Shortage alerts entering a status",
	}, []string{"status"})

	// CheckRuns counts finished check runs.
	// Labels: rule, status (COMPLETED, FAILED)
	CheckRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checks",
		Name:      "runs_total",
		Help:      "Finished check runs by rule and terminal status",
	}, []string{"rule", "status"})

	Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checks",
		Name:      "violations_total",
		Help:      "Violations detected by rule",
	}, []string{"rule"})

	RuleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "checks",
		Name:      "rule_duration_seconds",
		Help:      "Time spent evaluating one rule over one period",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"rule"})

	// RelayDeliveries counts outbox deliveries per sink.
	// Labels: sink, outcome (delivered, failed)
	RelayDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "deliveries_total",
		Help:      "Outbox events delivered to notification sinks",
	}, []string{"sink", "outcome"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
