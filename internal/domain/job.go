package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the state of a queued stage execution.
// These values must match the database enum job_status.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed mirrors the enum value but is never written; a retried
	// job goes back to pending with a later visible_at.
	JobStatusFailed    JobStatus = "failed"
	JobStatusDead      JobStatus = "dead"
)

// IsTerminal returns true once the job will never be claimed again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusDead
}

// Job is one execution of a stage handler for a workflow.
type Job struct {
	ID             uuid.UUID
	WorkflowID     uuid.UUID
	Stage          Stage
	Status         JobStatus
	AttemptCount   int
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	VisibleAt      time.Time
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewJob builds a pending job that is visible immediately.
func NewJob(workflowID uuid.UUID, stage Stage, now time.Time) *Job {
	return &Job{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Stage:      stage,
		Status:     JobStatusPending,
		VisibleAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// LeaseExpired reports whether a running job's lease has lapsed at now.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusRunning && j.LeaseExpiresAt != nil && !now.Before(*j.LeaseExpiresAt)
}
