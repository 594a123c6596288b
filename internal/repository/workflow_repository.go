package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// WorkflowRepository persists workflow snapshots.
type WorkflowRepository interface {
	// Create inserts a new workflow.
	// Returns domain.ErrAlreadyExists if a workflow with the same ID exists.
	Create(ctx context.Context, w *domain.WorkflowState) error

	// Get retrieves a workflow snapshot by ID.
	// Returns domain.ErrNotFound if no matching workflow exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error)

	// ListByConversation returns the workflows of a conversation, newest first,
	// together with the total count for pagination.
	ListByConversation(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.WorkflowState, int64, error)

	// Advance atomically commits the artifact for stage if, and only if, the
	// workflow is running at stage with expectedVersion. The version is bumped
	// by one and the workflow moves to next, or to complete when next is empty.
	// Returns a *domain.ConflictError when the precondition does not hold.
	Advance(ctx context.Context, id uuid.UUID, expectedVersion int64, stage domain.Stage, artifact domain.Artifact, next domain.Stage, now time.Time) (*domain.WorkflowState, error)

	// Update applies fn to the locked current snapshot and persists status,
	// stage and error. Payload and version are owned by Advance and are not
	// written. updated_at is set to now. If fn returns an error nothing is
	// persisted.
	// Returns domain.ErrNotFound if no matching workflow exists.
	Update(ctx context.Context, id uuid.UUID, now time.Time, fn func(*domain.WorkflowState) error) (*domain.WorkflowState, error)
}
