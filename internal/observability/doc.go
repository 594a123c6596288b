// Package observability provides logging, metrics, and context helpers for
// the research orchestrator.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for workflows, jobs, LLM providers and notifications
//   - Context helpers for propagating execution identifiers
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("workflow_id", id).Msg("workflow started")
//
// Add workflow or job context to a logger:
//
//	logger = observability.WithWorkflowContext(logger, workflowID, conversationID)
//	logger = observability.WithJobContext(logger, jobID, "planning", attempt)
//
// # Metrics
//
// Initialize metrics once per process:
//
//	metrics := observability.NewMetrics("oxbio")
//
// Record metrics:
//
//	metrics.RecordJobClaimed("planning")
//	metrics.RecordLLMAttempt("openai", "gpt-4o", "success", elapsed.Seconds())
//
// Components accept a nil *Metrics, which disables recording.
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - workflow_id: Workflow identifier
//   - conversation_id: Conversation the workflow belongs to
//   - job_id: Queued stage execution
//   - stage: Pipeline stage name
//   - worker_id: Lease owner
//   - provider, model: LLM provider and model
//   - request_id: HTTP request identifier
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
