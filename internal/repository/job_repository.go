package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// JobRepository is the durable, lease-based queue of stage executions.
//
// Every state change after Claim is conditioned on the caller still owning
// the lease (lease_owner = owner and status = running). A worker whose lease
// was reclaimed gets ErrLeaseLost and cannot overwrite the new owner's state.
type JobRepository interface {
	// Enqueue inserts a pending job.
	// Returns domain.ErrAlreadyExists if a live job for the same workflow and
	// stage already exists.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Claim leases the oldest visible pending job to owner until now+lease.
	// Returns nil and no error when no job is claimable.
	Claim(ctx context.Context, owner string, lease time.Duration, now time.Time) (*domain.Job, error)

	// Complete marks a leased job succeeded.
	Complete(ctx context.Context, id uuid.UUID, owner string, now time.Time) error

	// Retry returns a leased job to pending, records the failed attempt and
	// hides it until visibleAt.
	Retry(ctx context.Context, id uuid.UUID, owner string, attempt int, visibleAt time.Time, lastErr string, now time.Time) error

	// Bury marks a leased job dead. Dead jobs are never claimed again.
	Bury(ctx context.Context, id uuid.UUID, owner string, attempt int, lastErr string, now time.Time) error

	// ReclaimExpired returns running jobs whose lease has lapsed to pending and
	// reports how many were reclaimed.
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)

	// Get retrieves a job by ID.
	// Returns domain.ErrNotFound if no matching job exists.
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// ListByWorkflow returns every job of a workflow in creation order.
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*domain.Job, error)
}

// LeaseReclaimer is the part of JobRepository the lease sweeper needs.
type LeaseReclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
}
