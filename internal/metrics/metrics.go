// Package metrics defines the broker's Prometheus metrics.
//
// Collectors are package-level and registered with the default registry in
// init(); main serves them on /metrics. Metric naming follows Prometheus
// conventions: bouncer_ prefix, _total for counters, _seconds for duration
// histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RequestsTotal counts brokered requests by type and outcome status.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_requests_total",
			Help: "Total brokered requests by request type and outcome status.",
		},
		[]string{"type", "status"},
	)

	// ExecutionSeconds is a histogram of CLI execution duration.
	ExecutionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bouncer_execution_duration_seconds",
			Help:    "Duration of CLI executions in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 25, 60},
		},
		[]string{"outcome"},
	)

	// CallbacksTotal counts approver button taps by action.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_callbacks_total",
			Help: "Total approver callbacks by action.",
		},
		[]string{"action"},
	)

	// PendingApprovals is the number of requests waiting on an approver.
	PendingApprovals = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bouncer_pending_approvals",
			Help: "Requests currently waiting for an approver decision.",
		},
	)

	// ReapedRowsTotal counts rows removed by the background reapers.
	ReapedRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bouncer_reaped_rows_total",
			Help: "Rows removed by the TTL and timeout reapers, by table.",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		ExecutionSeconds,
		CallbacksTotal,
		PendingApprovals,
		ReapedRowsTotal,
	)
}

// RecordRequest records one decided request.
func RecordRequest(reqType, status string) {
	RequestsTotal.WithLabelValues(reqType, status).Inc()
}

// RecordExecution records one finished CLI execution.
func RecordExecution(d time.Duration, exitCode int) {
	outcome := "ok"
	if exitCode != 0 {
		outcome = "error"
	}
	ExecutionSeconds.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordCallback records one approver callback.
func RecordCallback(action string) {
	CallbacksTotal.WithLabelValues(action).Inc()
}

// SetPendingApprovals updates the pending gauge after a sweep.
func SetPendingApprovals(n int) {
	PendingApprovals.Set(float64(n))
}

// RecordReaped records rows removed from one table by a reaper pass.
func RecordReaped(table string, n int64) {
	if n > 0 {
		ReapedRowsTotal.WithLabelValues(table).Add(float64(n))
	}
}
