// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhooksTotal counts inbound webhook events by kind.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound CRM webhook events",
		},
		[]string{"kind", "channel"},
	)

	// DedupLookups counts coalescer lookups by outcome (hit, miss, expired, error).
	DedupLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_lookups_total",
			Help: "Request coalescer lookups by outcome",
		},
		[]string{"outcome"},
	)

	// DedupEntries tracks the coalescer cache size.
	DedupEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_cache_entries",
			Help: "Entries held by the request coalescer",
		},
	)

	// BatchFlushes counts flushed batches by reason and strategy.
	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_flushes_total",
			Help: "Flushed webhook batches",
		},
		[]string{"reason", "strategy"},
	)

	// BatchSize observes the number of events per flushed batch.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size_events",
			Help:    "Events per flushed batch",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
		},
	)

	// PendingBatches tracks batches waiting to flush.
	PendingBatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_pending",
			Help: "Batches waiting to flush",
		},
	)

	// PipelineLevelDuration tracks enrichment level latency.
	PipelineLevelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_level_duration_seconds",
			Help:    "Enrichment pipeline level duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"level"},
	)

	// PipelineOpFailures counts enrichment operations that degraded to defaults.
	PipelineOpFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_op_failures_total",
			Help: "Enrichment operations that failed",
		},
		[]string{"op"},
	)

	// PipelineRuns counts pipeline executions by outcome.
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Pipeline executions",
		},
		[]string{"outcome"},
	)

	// LLMRequestDuration tracks LLM completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SchedulerOutcomes counts appointment state transitions.
	SchedulerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_outcomes_total",
			Help: "Appointment scheduler outcomes",
		},
		[]string{"outcome"},
	)

	// OutboundRequests counts CRM calls by operation and status.
	OutboundRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_requests_total",
			Help: "Outbound CRM requests",
		},
		[]string{"operation", "status"},
	)

	// OutboundRetries counts retried CRM calls.
	OutboundRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_retries_total",
			Help: "Retried outbound CRM requests",
		},
		[]string{"operation"},
	)

	// BackgroundTasks tracks deferred work in flight.
	BackgroundTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "background_tasks_active",
			Help: "Deferred non-critical tasks in flight",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for an LLM completion.
func RecordLLM(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMRequestDuration.WithLabelValues(provider, status).Observe(duration)
	if model == "" {
		return
	}
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordBatchFlush records a flushed batch.
func RecordBatchFlush(reason, strategy string, size int) {
	BatchFlushes.WithLabelValues(reason, strategy).Inc()
	BatchSize.Observe(float64(size))
}
