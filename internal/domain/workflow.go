// Package domain provides the core models of the research orchestrator:
// pipeline stages, workflow state, jobs, progress events and the error taxonomy.
package domain

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents the lifecycle states of a workflow.
// These values must match the database enum workflow_status.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusComplete  WorkflowStatus = "complete"
)

// IsTerminal returns true if the status represents a final state.
// Failed is terminal until a stage is manually retriggered.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusComplete:
		return true
	default:
		return false
	}
}

// Artifact is the JSON output of a stage handler.
type Artifact map[string]any

// InputKey is the payload key under which the initial artifact is stored.
// It is not a stage and never counts as a stage payload entry.
const InputKey = "input"

// WorkflowState is one end-to-end pipeline run tied to a conversation.
type WorkflowState struct {
	ID             uuid.UUID
	ConversationID string
	CurrentStage   Stage
	Input          Artifact
	Payload        map[Stage]Artifact
	Status         WorkflowStatus
	Version        int64
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewWorkflowState builds a workflow positioned at the first stage.
func NewWorkflowState(conversationID string, input Artifact, now time.Time) *WorkflowState {
	if input == nil {
		input = Artifact{}
	}
	return &WorkflowState{
		ID:             uuid.New(),
		ConversationID: conversationID,
		CurrentStage:   FirstStage,
		Input:          input,
		Payload:        make(map[Stage]Artifact),
		Status:         WorkflowStatusRunning,
		Version:        0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep enough copy for handing to a stage handler: the maps
// are copied so that a handler cannot mutate committed state.
func (w *WorkflowState) Clone() *WorkflowState {
	c := *w
	c.Input = cloneArtifact(w.Input)
	c.Payload = make(map[Stage]Artifact, len(w.Payload))
	for k, v := range w.Payload {
		c.Payload[k] = cloneArtifact(v)
	}
	if w.Error != nil {
		e := *w.Error
		c.Error = &e
	}
	return &c
}

// CompletedStages returns the stages with a committed artifact, in pipeline order.
func (w *WorkflowState) CompletedStages() []Stage {
	out := make([]Stage, 0, len(w.Payload))
	for _, s := range Stages {
		if _, ok := w.Payload[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// PayloadSummary maps every committed stage to the sorted top-level keys of its artifact.
func (w *WorkflowState) PayloadSummary() map[Stage][]string {
	out := make(map[Stage][]string, len(w.Payload))
	for s, a := range w.Payload {
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out[s] = keys
	}
	return out
}

func cloneArtifact(a Artifact) Artifact {
	if a == nil {
		return nil
	}
	c := make(Artifact, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// AdvanceResult is the outcome of a committed stage transition.
type AdvanceResult struct {
	// Next is the stage to enqueue. Empty when Complete is true.
	Next Stage
	// Complete is true when the terminal stage was committed.
	Complete bool
	// Version is the workflow version after the commit.
	Version int64
}

// WorkflowFilter selects workflows by conversation.
type WorkflowFilter struct {
	ConversationID string
	Limit          int
	Offset         int
}
