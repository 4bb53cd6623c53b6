package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting supervisor
// metrics. The metrics system is built on Prometheus and tracks:
//   - Validation pipeline throughput and rejections, by stage
//   - Rate limiter decisions
//   - Active sessions and session lifetime
//   - Container lifecycle transitions (spawn/crash/terminate)
//   - Handler execution latency and outcomes
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.PipelineAccepted("topic.name")
//	defer metrics.HandlerExecutionDuration.WithLabelValues("topic.name").Observe(time.Since(start).Seconds())
type Metrics struct {
	// PipelineRequestsTotal counts requests entering the pipeline by topic.
	PipelineRequestsTotal *prometheus.CounterVec

	// PipelineRejectedTotal counts requests rejected by pipeline stage and code.
	// Labels: stage (construct|topic|payload|authorize), code
	PipelineRejectedTotal *prometheus.CounterVec

	// PipelineStageDuration measures per-stage validation latency in seconds.
	// Labels: stage
	PipelineStageDuration *prometheus.HistogramVec

	// RateLimitDecisions counts rate limiter decisions.
	// Labels: group, outcome (allow|deny)
	RateLimitDecisions *prometheus.CounterVec

	// RateLimitTokensRemaining tracks the current bucket level per group.
	RateLimitTokensRemaining *prometheus.GaugeVec

	// HandlerExecutionsTotal counts handler invocations by topic and status.
	// Labels: topic, status (success|error|timeout|panic)
	HandlerExecutionsTotal *prometheus.CounterVec

	// HandlerExecutionDuration measures handler execution time in seconds.
	// Labels: topic
	HandlerExecutionDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge tracking current live sessions by group.
	ActiveSessions *prometheus.GaugeVec

	// SessionDuration measures session lifetime in seconds, by group.
	SessionDuration *prometheus.HistogramVec

	// ContainerSpawnTotal counts container spawn attempts by runtime and outcome.
	// Labels: runtime (docker|firecracker|podman), outcome (success|error)
	ContainerSpawnTotal *prometheus.CounterVec

	// ContainerSpawnDuration measures time to spawn a container, by runtime.
	ContainerSpawnDuration *prometheus.HistogramVec

	// ContainerCrashTotal counts containers that exited unexpectedly, by runtime.
	ContainerCrashTotal *prometheus.CounterVec

	// ContainerTerminatedTotal counts graceful container terminations, by runtime and reason.
	// Labels: runtime, reason (session_end|idle_timeout|shutdown)
	ContainerTerminatedTotal *prometheus.CounterVec

	// ActiveContainers is a gauge tracking current live containers by runtime.
	ActiveContainers *prometheus.GaugeVec

	// AuditWriteErrors counts failures to append to the audit trail, by group.
	AuditWriteErrors *prometheus.CounterVec

	// PendingRequests is a gauge tracking in-flight requests awaiting a
	// response, by session.
	PendingRequests *prometheus.GaugeVec

	// RequestTimeoutTotal counts requests that exceeded their per-request
	// deadline before a response arrived.
	RequestTimeoutTotal *prometheus.CounterVec

	// DispatchDecisions counts event dispatcher outcomes by group and
	// decision (spawned|resumed|dropped_cap|dropped_topic|resolve_error).
	DispatchDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_pipeline_requests_total",
				Help: "Total number of requests entering the validation pipeline, by topic",
			},
			[]string{"topic"},
		),

		PipelineRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_pipeline_rejected_total",
				Help: "Total number of requests rejected by pipeline stage and error code",
			},
			[]string{"stage", "code"},
		),

		PipelineStageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carapace_pipeline_stage_duration_seconds",
				Help:    "Duration of each pipeline validation stage in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"stage"},
		),

		RateLimitDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_rate_limit_decisions_total",
				Help: "Total number of rate limiter decisions by group and outcome",
			},
			[]string{"group", "outcome"},
		),

		RateLimitTokensRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carapace_rate_limit_tokens_remaining",
				Help: "Current token bucket level by group",
			},
			[]string{"group"},
		),

		HandlerExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_handler_executions_total",
				Help: "Total number of handler executions by topic and status",
			},
			[]string{"topic", "status"},
		),

		HandlerExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carapace_handler_execution_duration_seconds",
				Help:    "Duration of handler executions in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"topic"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carapace_active_sessions",
				Help: "Current number of active sessions by group",
			},
			[]string{"group"},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carapace_session_duration_seconds",
				Help:    "Duration of sessions in seconds, by group",
				Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
			},
			[]string{"group"},
		),

		ContainerSpawnTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_container_spawn_total",
				Help: "Total number of container spawn attempts by runtime and outcome",
			},
			[]string{"runtime", "outcome"},
		),

		ContainerSpawnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "carapace_container_spawn_duration_seconds",
				Help:    "Duration of container spawn operations in seconds, by runtime",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"runtime"},
		),

		ContainerCrashTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_container_crash_total",
				Help: "Total number of containers that exited unexpectedly, by runtime",
			},
			[]string{"runtime"},
		),

		ContainerTerminatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_container_terminated_total",
				Help: "Total number of graceful container terminations by runtime and reason",
			},
			[]string{"runtime", "reason"},
		),

		ActiveContainers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carapace_active_containers",
				Help: "Current number of live containers by runtime",
			},
			[]string{"runtime"},
		),

		AuditWriteErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_audit_write_errors_total",
				Help: "Total number of failures appending to the audit trail, by group",
			},
			[]string{"group"},
		),

		PendingRequests: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "carapace_pending_requests",
				Help: "Current number of in-flight requests awaiting a response, by session",
			},
			[]string{"session"},
		),

		RequestTimeoutTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_request_timeout_total",
				Help: "Total number of requests that exceeded their per-request deadline",
			},
			[]string{"topic"},
		),

		DispatchDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carapace_dispatch_decisions_total",
				Help: "Total number of event dispatcher outcomes by group and decision",
			},
			[]string{"group", "decision"},
		),
	}
}

// PipelineAccepted records a request entering the pipeline for topic.
func (m *Metrics) PipelineAccepted(topic string) {
	m.PipelineRequestsTotal.WithLabelValues(topic).Inc()
}

// PipelineRejected records a rejection at stage with the given error code.
//
// Example:
//
//	metrics.PipelineRejected("authorize", "PERMISSION_DENIED")
func (m *Metrics) PipelineRejected(stage, code string) {
	m.PipelineRejectedTotal.WithLabelValues(stage, code).Inc()
}

// ObserveStageDuration records how long a pipeline stage took to evaluate.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordRateLimitDecision records an allow/deny decision for group.
func (m *Metrics) RecordRateLimitDecision(group, outcome string) {
	m.RateLimitDecisions.WithLabelValues(group, outcome).Inc()
}

// SetRateLimitTokensRemaining sets the current bucket level for group.
func (m *Metrics) SetRateLimitTokensRemaining(group string, tokens float64) {
	m.RateLimitTokensRemaining.WithLabelValues(group).Set(tokens)
}

// RecordHandlerExecution records a handler invocation's outcome and latency.
//
// Example:
//
//	start := time.Now()
//	// ... execute handler ...
//	metrics.RecordHandlerExecution("reminders.create", "success", time.Since(start).Seconds())
func (m *Metrics) RecordHandlerExecution(topic, status string, durationSeconds float64) {
	m.HandlerExecutionsTotal.WithLabelValues(topic, status).Inc()
	m.HandlerExecutionDuration.WithLabelValues(topic).Observe(durationSeconds)
}

// SessionStarted increments the active sessions gauge for group.
func (m *Metrics) SessionStarted(group string) {
	m.ActiveSessions.WithLabelValues(group).Inc()
}

// SessionEnded decrements the active sessions gauge and records session duration.
func (m *Metrics) SessionEnded(group string, durationSeconds float64) {
	m.ActiveSessions.WithLabelValues(group).Dec()
	m.SessionDuration.WithLabelValues(group).Observe(durationSeconds)
}

// RecordContainerSpawn records a container spawn attempt and its latency.
func (m *Metrics) RecordContainerSpawn(runtime, outcome string, durationSeconds float64) {
	m.ContainerSpawnTotal.WithLabelValues(runtime, outcome).Inc()
	if outcome == "success" {
		m.ContainerSpawnDuration.WithLabelValues(runtime).Observe(durationSeconds)
		m.ActiveContainers.WithLabelValues(runtime).Inc()
	}
}

// RecordContainerCrash records a container that exited unexpectedly.
func (m *Metrics) RecordContainerCrash(runtime string) {
	m.ContainerCrashTotal.WithLabelValues(runtime).Inc()
	m.ActiveContainers.WithLabelValues(runtime).Dec()
}

// RecordContainerTerminated records a graceful container termination.
//
// Example:
//
//	metrics.RecordContainerTerminated("docker", "session_end")
func (m *Metrics) RecordContainerTerminated(runtime, reason string) {
	m.ContainerTerminatedTotal.WithLabelValues(runtime, reason).Inc()
	m.ActiveContainers.WithLabelValues(runtime).Dec()
}

// RecordAuditWriteError records a failure to append to the audit trail.
func (m *Metrics) RecordAuditWriteError(group string) {
	m.AuditWriteErrors.WithLabelValues(group).Inc()
}

// RequestStarted increments the pending requests gauge for a session.
func (m *Metrics) RequestStarted(sessionID string) {
	m.PendingRequests.WithLabelValues(sessionID).Inc()
}

// RequestFinished decrements the pending requests gauge for a session.
func (m *Metrics) RequestFinished(sessionID string) {
	m.PendingRequests.WithLabelValues(sessionID).Dec()
}

// RequestTimedOut records a request that exceeded its per-request deadline.
func (m *Metrics) RequestTimedOut(topic string) {
	m.RequestTimeoutTotal.WithLabelValues(topic).Inc()
}

// RecordDispatchDecision records an event dispatcher outcome for a group.
func (m *Metrics) RecordDispatchDecision(group, decision string) {
	m.DispatchDecisions.WithLabelValues(group, decision).Inc()
}
