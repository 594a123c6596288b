package httpserver

import (
	"time"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// Workflow response types for JSON serialization.

type startWorkflowResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

type workflowResponse struct {
	WorkflowID      string              `json:"workflow_id"`
	ConversationID  string              `json:"conversation_id"`
	Stage           string              `json:"stage"`
	Status          string              `json:"status"`
	Version         int64               `json:"version"`
	CompletedStages []string            `json:"completed_stages"`
	Payload         map[string][]string `json:"payload"`
	Error           string              `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

type workflowSummaryResponse struct {
	WorkflowID string    `json:"workflow_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type listWorkflowsResponse struct {
	Workflows     []workflowSummaryResponse `json:"workflows"`
	NextPageToken string                    `json:"next_page_token,omitempty"`
	TotalCount    int                       `json:"total_count"`
}

type transitionResponse struct {
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// Converter functions

func toWorkflowResponse(w *domain.WorkflowState) workflowResponse {
	completed := w.CompletedStages()
	stages := make([]string, len(completed))
	for i, s := range completed {
		stages[i] = string(s)
	}

	summary := w.PayloadSummary()
	payload := make(map[string][]string, len(summary))
	for s, keys := range summary {
		payload[string(s)] = keys
	}

	resp := workflowResponse{
		WorkflowID:      w.ID.String(),
		ConversationID:  w.ConversationID,
		Stage:           string(w.CurrentStage),
		Status:          string(w.Status),
		Version:         w.Version,
		CompletedStages: stages,
		Payload:         payload,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
	if w.Error != nil {
		resp.Error = *w.Error
	}
	return resp
}

func toWorkflowSummary(w *domain.WorkflowState) workflowSummaryResponse {
	return workflowSummaryResponse{
		WorkflowID: w.ID.String(),
		Stage:      string(w.CurrentStage),
		Status:     string(w.Status),
		Version:    w.Version,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}
