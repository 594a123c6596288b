package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDContext(t *testing.T) {
	t.Run("stores and retrieves request ID", func(t *testing.T) {
		ctx := WithRequestID(context.Background(), "req-123")
		assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	})

	t.Run("returns empty string when not set", func(t *testing.T) {
		assert.Equal(t, "", RequestIDFromContext(context.Background()))
	})
}

func TestWorkflowContext(t *testing.T) {
	t.Run("stores and retrieves workflow and conversation IDs", func(t *testing.T) {
		ctx := WithWorkflow(context.Background(), "wf-1", "conv-1")

		workflowID, conversationID := WorkflowFromContext(ctx)
		assert.Equal(t, "wf-1", workflowID)
		assert.Equal(t, "conv-1", conversationID)
	})

	t.Run("returns empty strings when not set", func(t *testing.T) {
		workflowID, conversationID := WorkflowFromContext(context.Background())
		assert.Empty(t, workflowID)
		assert.Empty(t, conversationID)
	})
}

func TestJobContext(t *testing.T) {
	ctx := WithJob(context.Background(), "job-7", "draft")
	jobID, stage := JobFromContext(ctx)
	assert.Equal(t, "job-7", jobID)
	assert.Equal(t, "draft", stage)
}

func TestExecutionContextRoundTrip(t *testing.T) {
	ec := ExecutionContext{
		RequestID:      "req-1",
		WorkflowID:     "wf-1",
		ConversationID: "conv-1",
		JobID:          "job-1",
		Stage:          "planning",
		WorkerID:       "worker-a",
	}

	ctx := WithExecutionContext(context.Background(), ec)
	assert.Equal(t, ec, ExecutionContextFromContext(ctx))
}

func TestExecutionContextSkipsEmpty(t *testing.T) {
	ctx := WithExecutionContext(context.Background(), ExecutionContext{WorkerID: "worker-b"})

	got := ExecutionContextFromContext(ctx)
	assert.Equal(t, "worker-b", got.WorkerID)
	assert.Empty(t, got.WorkflowID)
	assert.Empty(t, got.JobID)
}

func TestContextOverwrite(t *testing.T) {
	ctx := WithWorkflow(context.Background(), "wf-old", "conv-old")
	ctx = WithWorkflow(ctx, "wf-new", "conv-new")

	workflowID, conversationID := WorkflowFromContext(ctx)
	assert.Equal(t, "wf-new", workflowID)
	assert.Equal(t, "conv-new", conversationID)
}
