package observability

import (
	"context"
)

// Context keys for observability data.
type contextKey string

const (
	requestIDKey      contextKey = "request_id"
	workflowIDKey     contextKey = "workflow_id"
	conversationIDKey contextKey = "conversation_id"
	jobIDKey          contextKey = "job_id"
	stageKey          contextKey = "stage"
	workerIDKey       contextKey = "worker_id"
)

func stringFromContext(ctx context.Context, key contextKey) string {
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
// Returns empty string if not present.
func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestIDKey)
}

// WithWorkflow adds workflow and conversation IDs to the context.
func WithWorkflow(ctx context.Context, workflowID, conversationID string) context.Context {
	ctx = context.WithValue(ctx, workflowIDKey, workflowID)
	ctx = context.WithValue(ctx, conversationIDKey, conversationID)
	return ctx
}

// WorkflowFromContext retrieves workflow and conversation IDs from context.
// Returns empty strings if not present.
func WorkflowFromContext(ctx context.Context) (workflowID, conversationID string) {
	return stringFromContext(ctx, workflowIDKey), stringFromContext(ctx, conversationIDKey)
}

// WithJob adds the job ID and stage being executed to the context.
func WithJob(ctx context.Context, jobID, stage string) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)
	ctx = context.WithValue(ctx, stageKey, stage)
	return ctx
}

// JobFromContext retrieves the job ID and stage from context.
func JobFromContext(ctx context.Context) (jobID, stage string) {
	return stringFromContext(ctx, jobIDKey), stringFromContext(ctx, stageKey)
}

// WithWorkerID adds the lease owner identity to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// WorkerIDFromContext retrieves the lease owner identity from context.
func WorkerIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, workerIDKey)
}

// ExecutionContext contains all the context data for a stage execution.
type ExecutionContext struct {
	RequestID      string
	WorkflowID     string
	ConversationID string
	JobID          string
	Stage          string
	WorkerID       string
}

// WithExecutionContext adds all non-empty execution fields to the context.
func WithExecutionContext(ctx context.Context, ec ExecutionContext) context.Context {
	if ec.RequestID != "" {
		ctx = WithRequestID(ctx, ec.RequestID)
	}
	if ec.WorkflowID != "" || ec.ConversationID != "" {
		ctx = WithWorkflow(ctx, ec.WorkflowID, ec.ConversationID)
	}
	if ec.JobID != "" || ec.Stage != "" {
		ctx = WithJob(ctx, ec.JobID, ec.Stage)
	}
	if ec.WorkerID != "" {
		ctx = WithWorkerID(ctx, ec.WorkerID)
	}
	return ctx
}

// ExecutionContextFromContext extracts all execution context from the context.
func ExecutionContextFromContext(ctx context.Context) ExecutionContext {
	workflowID, conversationID := WorkflowFromContext(ctx)
	jobID, stage := JobFromContext(ctx)

	return ExecutionContext{
		RequestID:      RequestIDFromContext(ctx),
		WorkflowID:     workflowID,
		ConversationID: conversationID,
		JobID:          jobID,
		Stage:          stage,
		WorkerID:       WorkerIDFromContext(ctx),
	}
}
