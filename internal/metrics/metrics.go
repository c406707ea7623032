// Package metrics holds the cross-cutting Prometheus collectors for the
// control plane, grounded directly on the teacher's
// internal/escrow/metrics.go: one struct of promauto-registered
// collectors plus small Record* helper methods, generalized from
// escrow/reputation counters to queue depth, lease activity, worker pool
// utilization, and token refresh outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector exported by the control plane.
type Metrics struct {
	QueueDepth          *prometheus.GaugeVec
	LeaseTotal          *prometheus.CounterVec
	WorkerPoolActive    prometheus.Gauge
	WorkerPoolCapacity  prometheus.Gauge
	TaskOutcomeTotal    *prometheus.CounterVec
	TokenRefreshTotal   *prometheus.CounterVec
	TokenRefreshLatency *prometheus.HistogramVec
	WebhookRequestTotal *prometheus.CounterVec
	WorkspaceAcquireSec prometheus.Histogram
}

// New creates and registers every collector against the default registry.
func New() *Metrics {
	return &Metrics{
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentctl_queue_depth",
				Help: "Number of queued tasks per priority band",
			},
			[]string{"priority"},
		),
		LeaseTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_lease_total",
				Help: "Total number of queue leases issued, by outcome",
			},
			[]string{"result"}, // leased, empty, error
		),
		WorkerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentctl_worker_pool_active",
				Help: "Number of worker pool slots currently running a task",
			},
		),
		WorkerPoolCapacity: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentctl_worker_pool_capacity",
				Help: "Configured worker pool size (MAX_CONCURRENT_TASKS)",
			},
		),
		TaskOutcomeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_task_outcome_total",
				Help: "Total tasks reaching a terminal state, by status",
			},
			[]string{"status", "command"},
		),
		TokenRefreshTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_token_refresh_total",
				Help: "Total token refresh attempts, by provider and result",
			},
			[]string{"provider", "result"}, // ok, transient_error, unauthorized
		),
		TokenRefreshLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentctl_token_refresh_duration_seconds",
				Help:    "Latency of token refresh calls to the upstream provider",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		WebhookRequestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentctl_webhook_requests_total",
				Help: "Total inbound webhook requests, by provider and outcome",
			},
			[]string{"provider", "outcome"}, // accepted, skipped, duplicate, unauthorized, too_busy
		),
		WorkspaceAcquireSec: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentctl_workspace_acquire_duration_seconds",
				Help:    "Latency of Workspace Manager Acquire calls (clone/fetch/checkout)",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordLease records the outcome of one queue.Lease call.
func (m *Metrics) RecordLease(result string) {
	m.LeaseTotal.WithLabelValues(result).Inc()
}

// SetQueueDepth updates the gauge for one priority band.
func (m *Metrics) SetQueueDepth(priority string, depth int) {
	m.QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// SetWorkerPool updates the active/capacity gauges together.
func (m *Metrics) SetWorkerPool(active, capacity int) {
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolCapacity.Set(float64(capacity))
}

// RecordTaskOutcome records a task reaching a terminal state.
func (m *Metrics) RecordTaskOutcome(status, command string) {
	m.TaskOutcomeTotal.WithLabelValues(status, command).Inc()
}

// RecordTokenRefresh records one refresh attempt and its latency.
func (m *Metrics) RecordTokenRefresh(provider, result string, seconds float64) {
	m.TokenRefreshTotal.WithLabelValues(provider, result).Inc()
	m.TokenRefreshLatency.WithLabelValues(provider).Observe(seconds)
}

// RecordWebhookRequest records one inbound webhook request outcome.
func (m *Metrics) RecordWebhookRequest(provider, outcome string) {
	m.WebhookRequestTotal.WithLabelValues(provider, outcome).Inc()
}

// ObserveWorkspaceAcquire records how long one Acquire call took.
func (m *Metrics) ObserveWorkspaceAcquire(seconds float64) {
	m.WorkspaceAcquireSec.Observe(seconds)
}
