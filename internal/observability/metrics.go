package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the research orchestrator.
// Metrics are organized by subsystem: workflows, jobs, LLM gateway, search and
// notifications. All counters and histograms are registered via promauto with
// the default Prometheus registry.
//
// A nil *Metrics is valid; every Record method is then a no-op.
type Metrics struct {
	// WorkflowsStarted counts workflows created.
	WorkflowsStarted prometheus.Counter

	// WorkflowsCompleted counts workflows that committed their terminal stage.
	WorkflowsCompleted prometheus.Counter

	// WorkflowsFailed counts workflows whose stage exhausted its attempts.
	WorkflowsFailed prometheus.Counter

	// WorkflowsCancelled counts workflows cancelled by a client or a control command.
	WorkflowsCancelled prometheus.Counter

	// WorkflowDuration observes the end-to-end duration of completed workflows in seconds.
	WorkflowDuration prometheus.Histogram

	// StageAdvances counts committed transitions, labeled by stage.
	StageAdvances *prometheus.CounterVec

	// AdvanceConflicts counts rejected transitions, labeled by stage.
	AdvanceConflicts *prometheus.CounterVec

	// JobsEnqueued counts jobs inserted, labeled by stage.
	JobsEnqueued *prometheus.CounterVec

	// JobsClaimed counts successful claims, labeled by stage.
	JobsClaimed *prometheus.CounterVec

	// JobsSucceeded counts jobs whose handler succeeded, labeled by stage.
	JobsSucceeded *prometheus.CounterVec

	// JobsRetried counts jobs returned to pending after a failure, labeled by stage.
	JobsRetried *prometheus.CounterVec

	// JobsDead counts dead-lettered jobs, labeled by stage.
	JobsDead *prometheus.CounterVec

	// JobsStale counts claimed jobs discarded because the workflow had moved on.
	JobsStale *prometheus.CounterVec

	// LeasesReclaimed counts running jobs returned to pending by the lease sweep.
	LeasesReclaimed prometheus.Counter

	// StageDuration observes handler execution time in seconds, labeled by stage and outcome.
	StageDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts provider attempts, labeled by provider, model, and outcome.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestDuration observes provider attempt duration in seconds.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens consumed, labeled by provider, model, and token type.
	LLMTokensUsed *prometheus.CounterVec

	// LLMFallbacks counts moves from one provider to the next, labeled by the abandoned provider.
	LLMFallbacks *prometheus.CounterVec

	// LLMAggregateFailures counts invocations where every provider failed.
	LLMAggregateFailures prometheus.Counter

	// SearchRequests counts literature search calls, labeled by source and outcome.
	SearchRequests *prometheus.CounterVec

	// SearchDuration observes literature search duration in seconds, labeled by source.
	SearchDuration *prometheus.HistogramVec

	// SourceRateLimited counts 429 responses from search sources, labeled by source.
	SourceRateLimited *prometheus.CounterVec

	// NotificationsPublished counts events handed to a sink, labeled by sink.
	NotificationsPublished *prometheus.CounterVec

	// NotificationsFailed counts events a sink failed to deliver, labeled by sink.
	NotificationsFailed *prometheus.CounterVec

	// NotificationsDropped counts events dropped because a subscriber was full.
	NotificationsDropped prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Workflows
		WorkflowsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflows started",
		}),
		WorkflowsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_completed_total",
			Help:      "Total number of workflows completed",
		}),
		WorkflowsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_failed_total",
			Help:      "Total number of workflows that failed",
		}),
		WorkflowsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_cancelled_total",
			Help:      "Total number of workflows cancelled",
		}),
		WorkflowDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Duration of completed workflows in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		StageAdvances: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_advances_total",
			Help:      "Total number of committed stage transitions by stage",
		}, []string{"stage"}),
		AdvanceConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advance_conflicts_total",
			Help:      "Total number of rejected stage transitions by stage",
		}, []string{"stage"}),

		// Jobs
		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs enqueued by stage",
		}, []string{"stage"}),
		JobsClaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_claimed_total",
			Help:      "Total number of jobs claimed by stage",
		}, []string{"stage"}),
		JobsSucceeded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Total number of jobs succeeded by stage",
		}, []string{"stage"}),
		JobsRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Total number of jobs scheduled for retry by stage",
		}, []string{"stage"}),
		JobsDead: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dead_total",
			Help:      "Total number of dead-lettered jobs by stage",
		}, []string{"stage"}),
		JobsStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_stale_total",
			Help:      "Total number of claimed jobs discarded as stale by stage",
		}, []string{"stage"}),
		LeasesReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Total number of expired leases returned to pending",
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage handler executions in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "outcome"}),

		// LLM
		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM provider attempts by outcome",
		}, []string{"provider", "model", "outcome"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM provider attempts in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used by provider",
		}, []string{"provider", "model", "token_type"}),
		LLMFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_fallbacks_total",
			Help:      "Total number of provider fallbacks by abandoned provider",
		}, []string{"provider"}),
		LLMAggregateFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_aggregate_failures_total",
			Help:      "Total number of invocations where every provider failed",
		}),

		// Search
		SearchRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Total number of literature search calls by source and outcome",
		}, []string{"source", "outcome"}),
		SearchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of literature searches in seconds by source",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"source"}),
		SourceRateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate limit responses from search sources",
		}, []string{"source"}),

		// Notifications
		NotificationsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Total number of progress events published by sink",
		}, []string{"sink"}),
		NotificationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Total number of progress events a sink failed to deliver",
		}, []string{"sink"}),
		NotificationsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total number of progress events dropped for slow subscribers",
		}),
	}
}

// RecordWorkflowStarted records that a workflow has started.
func (m *Metrics) RecordWorkflowStarted() {
	if m == nil {
		return
	}
	m.WorkflowsStarted.Inc()
}

// RecordWorkflowCompleted records that a workflow has completed.
func (m *Metrics) RecordWorkflowCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.WorkflowsCompleted.Inc()
	m.WorkflowDuration.Observe(durationSeconds)
}

// RecordWorkflowFailed records that a workflow has failed.
func (m *Metrics) RecordWorkflowFailed() {
	if m == nil {
		return
	}
	m.WorkflowsFailed.Inc()
}

// RecordWorkflowCancelled records that a workflow has been cancelled.
func (m *Metrics) RecordWorkflowCancelled() {
	if m == nil {
		return
	}
	m.WorkflowsCancelled.Inc()
}

// RecordStageAdvanced records a committed transition out of stage.
func (m *Metrics) RecordStageAdvanced(stage string) {
	if m == nil {
		return
	}
	m.StageAdvances.WithLabelValues(stage).Inc()
}

// RecordAdvanceConflict records a rejected transition.
func (m *Metrics) RecordAdvanceConflict(stage string) {
	if m == nil {
		return
	}
	m.AdvanceConflicts.WithLabelValues(stage).Inc()
}

// RecordJobEnqueued records an inserted job.
func (m *Metrics) RecordJobEnqueued(stage string) {
	if m == nil {
		return
	}
	m.JobsEnqueued.WithLabelValues(stage).Inc()
}

// RecordJobClaimed records a claimed job.
func (m *Metrics) RecordJobClaimed(stage string) {
	if m == nil {
		return
	}
	m.JobsClaimed.WithLabelValues(stage).Inc()
}

// RecordJobSucceeded records a successful handler run.
func (m *Metrics) RecordJobSucceeded(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsSucceeded.WithLabelValues(stage).Inc()
	m.StageDuration.WithLabelValues(stage, "success").Observe(durationSeconds)
}

// RecordJobRetried records a failed handler run that will be retried.
func (m *Metrics) RecordJobRetried(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsRetried.WithLabelValues(stage).Inc()
	m.StageDuration.WithLabelValues(stage, "retry").Observe(durationSeconds)
}

// RecordJobDead records a dead-lettered job.
func (m *Metrics) RecordJobDead(stage string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobsDead.WithLabelValues(stage).Inc()
	m.StageDuration.WithLabelValues(stage, "dead").Observe(durationSeconds)
}

// RecordJobStale records a claimed job discarded without running its handler.
func (m *Metrics) RecordJobStale(stage string) {
	if m == nil {
		return
	}
	m.JobsStale.WithLabelValues(stage).Inc()
}

// RecordLeasesReclaimed records jobs returned to pending by the lease sweep.
func (m *Metrics) RecordLeasesReclaimed(count int) {
	if m == nil {
		return
	}
	m.LeasesReclaimed.Add(float64(count))
}

// RecordLLMAttempt records a single provider attempt.
func (m *Metrics) RecordLLMAttempt(provider, model, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordLLMTokens records token usage for a successful provider call.
func (m *Metrics) RecordLLMTokens(provider, model string, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

// RecordLLMFallback records abandoning provider for the next in order.
func (m *Metrics) RecordLLMFallback(provider string) {
	if m == nil {
		return
	}
	m.LLMFallbacks.WithLabelValues(provider).Inc()
}

// RecordLLMAggregateFailure records an invocation where every provider failed.
func (m *Metrics) RecordLLMAggregateFailure() {
	if m == nil {
		return
	}
	m.LLMAggregateFailures.Inc()
}

// RecordSearch records a literature search call.
func (m *Metrics) RecordSearch(source, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SearchRequests.WithLabelValues(source, outcome).Inc()
	m.SearchDuration.WithLabelValues(source).Observe(durationSeconds)
}

// RecordSourceRateLimited records a rate limit response from a source.
func (m *Metrics) RecordSourceRateLimited(source string) {
	if m == nil {
		return
	}
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// RecordNotificationPublished records an event handed to sink.
func (m *Metrics) RecordNotificationPublished(sink string) {
	if m == nil {
		return
	}
	m.NotificationsPublished.WithLabelValues(sink).Inc()
}

// RecordNotificationFailed records an event sink failed to deliver.
func (m *Metrics) RecordNotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.NotificationsFailed.WithLabelValues(sink).Inc()
}

// RecordNotificationDropped records an event dropped for a slow subscriber.
func (m *Metrics) RecordNotificationDropped() {
	if m == nil {
		return
	}
	m.NotificationsDropped.Inc()
}
