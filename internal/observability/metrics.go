// Package observability provides the process-wide metrics, tracing and
// logging plumbing shared by every loom component.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the central registry of Prometheus collectors.
//
// The metrics cover:
//   - LLM request performance, outcome and token consumption per model
//   - Tool dispatch counts and latencies
//   - Scheduler job evaluations by type and outcome
//   - Placeholder rendering misses
//   - Notification publishes per platform
//   - Subscriber overflow drops (agent events, task logs)
//   - Task state transitions
//   - HTTP request latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.2, 150, 900)
type Metrics struct {
	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// LLMFallbacks counts fallback-chain advances.
	// Labels: from_model, to_model, reason
	LLMFallbacks *prometheus.CounterVec

	// ToolExecutionCounter counts tool dispatches.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool dispatch time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 120s
	ToolExecutionDuration *prometheus.HistogramVec

	// JobEvaluations counts scheduler evaluations.
	// Labels: job_type, outcome (success|pending|transient|permanent)
	JobEvaluations *prometheus.CounterVec

	// PlaceholderMisses counts template placeholders that did not
	// resolve and rendered literally.
	// Labels: placeholder
	PlaceholderMisses *prometheus.CounterVec

	// NotificationsPublished counts bus publishes.
	// Labels: platform, kind (job_success|job_failure|task_status)
	NotificationsPublished *prometheus.CounterVec

	// SubscriberDrops counts events dropped under the drop-oldest
	// policy when a subscriber buffer overflows.
	// Labels: stream (agent_events|task_logs)
	SubscriberDrops *prometheus.CounterVec

	// TaskTransitions counts task state changes.
	// Labels: to_status
	TaskTransitions *prometheus.CounterVec

	// AgentTurnDuration measures full agent turns in seconds.
	// Labels: outcome (reply|error|cancelled|aborted)
	// Buckets: 0.5s, 1s, 2s, 5s, 15s, 30s, 60s, 120s, 300s, 600s
	AgentTurnDuration *prometheus.HistogramVec

	// AgentIterations tracks LLM round-trips consumed per turn.
	// Buckets: 1..8
	AgentIterations prometheus.Histogram

	// ActiveConversations gauges conversations with a turn in flight.
	ActiveConversations prometheus.Gauge

	// WebhookRequests counts webhook ingress outcomes.
	// Labels: outcome (fired|duplicate|unauthorized|not_found|conflict)
	WebhookRequests *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with the default
// Prometheus registry. Call once at process startup.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMFallbacks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_fallbacks_total",
				Help: "Total number of fallback-chain advances by model pair and reason",
			},
			[]string{"from_model", "to_model", "reason"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"tool_name"},
		),

		JobEvaluations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_job_evaluations_total",
				Help: "Total number of scheduler job evaluations by type and outcome",
			},
			[]string{"job_type", "outcome"},
		),

		PlaceholderMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_placeholder_misses_total",
				Help: "Total number of message placeholders that rendered literally",
			},
			[]string{"placeholder"},
		),

		NotificationsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_notifications_published_total",
				Help: "Total number of notifications published by platform and kind",
			},
			[]string{"platform", "kind"},
		),

		SubscriberDrops: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_subscriber_drops_total",
				Help: "Total number of events dropped on full subscriber buffers",
			},
			[]string{"stream"},
		),

		TaskTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_task_transitions_total",
				Help: "Total number of task state transitions by destination status",
			},
			[]string{"to_status"},
		),

		AgentTurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_agent_turn_duration_seconds",
				Help:    "Duration of full agent turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		),

		AgentIterations: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "loom_agent_iterations",
				Help:    "LLM round-trips consumed per agent turn",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
			},
		),

		ActiveConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_active_conversations",
				Help: "Current number of conversations with a turn in flight",
			},
		),

		WebhookRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_webhook_requests_total",
				Help: "Total number of webhook ingress requests by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordLLMRequest records one LLM call outcome with its latency and
// token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordFallback records one fallback-chain advance.
func (m *Metrics) RecordFallback(fromModel, toModel, reason string) {
	m.LLMFallbacks.WithLabelValues(fromModel, toModel, reason).Inc()
}

// RecordToolExecution records one tool dispatch outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordJobEvaluation records one scheduler evaluation outcome.
func (m *Metrics) RecordJobEvaluation(jobType, outcome string) {
	m.JobEvaluations.WithLabelValues(jobType, outcome).Inc()
}

// RecordPlaceholderMiss records a placeholder that rendered literally.
func (m *Metrics) RecordPlaceholderMiss(placeholder string) {
	m.PlaceholderMisses.WithLabelValues(placeholder).Inc()
}

// RecordNotification records one bus publish.
func (m *Metrics) RecordNotification(platform, kind string) {
	m.NotificationsPublished.WithLabelValues(platform, kind).Inc()
}

// RecordSubscriberDrop records one drop-oldest eviction on a stream.
func (m *Metrics) RecordSubscriberDrop(stream string) {
	m.SubscriberDrops.WithLabelValues(stream).Inc()
}

// RecordTaskTransition records one task state change.
func (m *Metrics) RecordTaskTransition(toStatus string) {
	m.TaskTransitions.WithLabelValues(toStatus).Inc()
}

// RecordAgentTurn records one completed agent turn.
func (m *Metrics) RecordAgentTurn(outcome string, durationSeconds float64, iterations int) {
	m.AgentTurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
	m.AgentIterations.Observe(float64(iterations))
}

// RecordWebhookRequest records one webhook ingress outcome.
func (m *Metrics) RecordWebhookRequest(outcome string) {
	m.WebhookRequests.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records one HTTP request observation.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
