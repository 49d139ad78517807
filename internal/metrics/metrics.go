// Package metrics exposes the coordinator's Prometheus metrics.
//
// Primary series:
//   - coordinator_submissions_total{outcome}        – trade submissions by outcome
//     (executed|queued|replayed|rejected|failed)
//   - coordinator_executions_total{mode,side}       – orders placed (mode: paper|live)
//   - coordinator_execution_retries_total           – retry attempts beyond the first
//   - coordinator_monitoring_failures_total{kind}   – position-check failures
//     (kind: price_fetch|close_order)
//   - coordinator_positions_closed_total{reason}    – closures by reason
//   - coordinator_open_positions                    – currently supervised positions
//   - coordinator_active_locks                      – currently held resource locks
//
// All series are registered in init() and served at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_submissions_total",
			Help: "Trade submissions by outcome",
		},
		[]string{"outcome"},
	)

	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_executions_total",
			Help: "Orders placed",
		},
		[]string{"mode", "side"},
	)

	ExecutionRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coordinator_execution_retries_total",
			Help: "Order placement retry attempts beyond the first",
		},
	)

	MonitoringFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_monitoring_failures_total",
			Help: "Position supervision failures by kind",
		},
		[]string{"kind"},
	)

	PositionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coordinator_positions_closed_total",
			Help: "Position closures by reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_open_positions",
			Help: "Currently supervised open positions",
		},
	)

	ActiveLocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_active_locks",
			Help: "Currently held resource locks",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Submissions,
		Executions,
		ExecutionRetries,
		MonitoringFailures,
		PositionsClosed,
		OpenPositions,
		ActiveLocks,
	)
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
