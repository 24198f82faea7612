// Package metrics registers Symphony's Prometheus collectors and exposes
// them at the conductor's /metrics endpoint (spec §2 component table).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node/registry metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_nodes_total",
			Help: "Total number of nodes by connection state",
		},
		[]string{"conn_state"},
	)

	// Capacity ledger metrics
	CapacityTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_capacity_total",
			Help: "Total advertised capacity per label, summed across connected nodes",
		},
		[]string{"label"},
	)

	CapacityReserved = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_capacity_reserved",
			Help: "Reserved capacity per label, summed across connected nodes",
		},
		[]string{"label"},
	)

	// Deployment metrics
	DeploymentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_deployments_total",
			Help: "Total number of deployments by current state",
		},
		[]string{"current_state"},
	)

	DeploymentsUnassigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "symphony_deployments_unassigned",
			Help: "Deployments with desired_state=RUNNING and no assigned node",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "symphony_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symphony_scheduling_latency_seconds",
			Help:    "Time taken to place a deployment onto a node, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeploymentsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_deployments_scheduled_total",
			Help: "Total number of deployments successfully assigned to a node",
		},
	)

	SchedulingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_scheduling_failures_total",
			Help: "Total number of scheduling attempts that found no eligible node, by reason",
		},
		[]string{"reason"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symphony_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_reconciliation_transitions_total",
			Help: "Total number of desired/current state transitions applied, by kind",
		},
		[]string{"from", "to"},
	)

	// Session metrics
	SessionsDisconnected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_sessions_disconnected_total",
			Help: "Total number of node sessions that ended, by reason",
		},
		[]string{"reason"},
	)

	// Supervisor metrics (node-side)
	SupervisorInstances = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_supervisor_instances",
			Help: "Deployment instances on this node by current state",
		},
		[]string{"current_state"},
	)

	SupervisorRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_supervisor_restarts_total",
			Help: "Total number of on-failure restarts performed by the supervisor",
		},
		[]string{"deployment_id"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(CapacityTotal)
	prometheus.MustRegister(CapacityReserved)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentsUnassigned)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(DeploymentsScheduled)
	prometheus.MustRegister(SchedulingFailures)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationTransitions)
	prometheus.MustRegister(SessionsDisconnected)
	prometheus.MustRegister(SupervisorInstances)
	prometheus.MustRegister(SupervisorRestartsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
