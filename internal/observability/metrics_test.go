package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Note: prometheus/promauto registers metrics globally, so we need to use
// unique namespaces per test to avoid registration conflicts.

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_oxbio_new")

	assert.NotNil(t, m.WorkflowsStarted)
	assert.NotNil(t, m.WorkflowsCompleted)
	assert.NotNil(t, m.WorkflowsFailed)
	assert.NotNil(t, m.WorkflowsCancelled)
	assert.NotNil(t, m.WorkflowDuration)
	assert.NotNil(t, m.StageAdvances)
	assert.NotNil(t, m.AdvanceConflicts)
	assert.NotNil(t, m.JobsClaimed)
	assert.NotNil(t, m.JobsDead)
	assert.NotNil(t, m.LeasesReclaimed)
	assert.NotNil(t, m.LLMRequestsTotal)
	assert.NotNil(t, m.LLMTokensUsed)
	assert.NotNil(t, m.NotificationsDropped)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordWorkflowStarted()
		m.RecordWorkflowCompleted(1)
		m.RecordJobDead("planning", 1)
		m.RecordLLMAttempt("openai", "gpt-4o", "success", 1)
		m.RecordNotificationDropped()
	})
}

func TestRecordWorkflowLifecycle(t *testing.T) {
	m := NewMetrics("test_workflow_lifecycle")

	m.RecordWorkflowStarted()
	m.RecordWorkflowCompleted(12.5)
	m.RecordWorkflowFailed()
	m.RecordWorkflowCancelled()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsFailed))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkflowsCancelled))

	histCount, err := getHistogramSampleCount(m.WorkflowDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), histCount)
}

func TestRecordStageTransitions(t *testing.T) {
	m := NewMetrics("test_stage_transitions")

	m.RecordStageAdvanced("planning")
	m.RecordStageAdvanced("planning")
	m.RecordAdvanceConflict("planning")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.StageAdvances.WithLabelValues("planning")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AdvanceConflicts.WithLabelValues("planning")))
}

func TestRecordJobOutcomes(t *testing.T) {
	m := NewMetrics("test_job_outcomes")

	m.RecordJobEnqueued("ingestion")
	m.RecordJobClaimed("ingestion")
	m.RecordJobSucceeded("ingestion", 0.2)
	m.RecordJobRetried("literature", 3)
	m.RecordJobDead("literature", 4)
	m.RecordJobStale("draft")
	m.RecordLeasesReclaimed(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsEnqueued.WithLabelValues("ingestion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsClaimed.WithLabelValues("ingestion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsSucceeded.WithLabelValues("ingestion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsRetried.WithLabelValues("literature")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsDead.WithLabelValues("literature")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsStale.WithLabelValues("draft")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.LeasesReclaimed))
}

func TestRecordLLM(t *testing.T) {
	m := NewMetrics("test_llm")

	m.RecordLLMAttempt("openai", "gpt-4o", "transient", 2.5)
	m.RecordLLMAttempt("openai", "gpt-4o", "success", 1.5)
	m.RecordLLMTokens("openai", "gpt-4o", 100, 50)
	m.RecordLLMFallback("anthropic")
	m.RecordLLMAggregateFailure()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("openai", "gpt-4o", "success")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "input")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "output")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMFallbacks.WithLabelValues("anthropic")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMAggregateFailures))
}

func TestRecordSearchAndNotifications(t *testing.T) {
	m := NewMetrics("test_search_notify")

	m.RecordSearch("openalex", "success", 0.4)
	m.RecordSourceRateLimited("openalex")
	m.RecordNotificationPublished("kafka")
	m.RecordNotificationFailed("postgres")
	m.RecordNotificationDropped()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.SearchRequests.WithLabelValues("openalex", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SourceRateLimited.WithLabelValues("openalex")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsPublished.WithLabelValues("kafka")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsFailed.WithLabelValues("postgres")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsDropped))
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var dto = &dto.Metric{}
	if err := m.Write(dto); err != nil {
		return 0, err
	}

	return dto.Histogram.GetSampleCount(), nil
}
