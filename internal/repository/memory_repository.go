package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// Compile-time interface verification.
var (
	_ WorkflowRepository = (*MemoryWorkflowRepository)(nil)
	_ JobRepository      = (*MemoryJobRepository)(nil)
)

// MemoryWorkflowRepository is an in-process WorkflowRepository. A single
// mutex serializes every operation, which gives Advance the same
// compare-and-swap semantics as the PostgreSQL implementation.
type MemoryWorkflowRepository struct {
	mu        sync.Mutex
	workflows map[uuid.UUID]*domain.WorkflowState
}

// NewMemoryWorkflowRepository creates an empty in-memory workflow store.
func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{workflows: make(map[uuid.UUID]*domain.WorkflowState)}
}

// Create inserts a new workflow.
func (r *MemoryWorkflowRepository) Create(_ context.Context, w *domain.WorkflowState) error {
	if w == nil {
		return domain.NewValidationError("workflow", "workflow cannot be nil")
	}
	if w.ConversationID == "" {
		return domain.NewValidationError("conversation_id", "conversation ID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[w.ID]; ok {
		return domain.NewAlreadyExistsError("workflow", w.ID.String())
	}
	r.workflows[w.ID] = w.Clone()
	return nil
}

// Get returns a copy of the stored snapshot.
func (r *MemoryWorkflowRepository) Get(_ context.Context, id uuid.UUID) (*domain.WorkflowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id.String())
	}
	return w.Clone(), nil
}

// ListByConversation returns the workflows of a conversation, newest first.
func (r *MemoryWorkflowRepository) ListByConversation(_ context.Context, filter domain.WorkflowFilter) ([]*domain.WorkflowState, int64, error) {
	if filter.ConversationID == "" {
		return nil, 0, domain.NewValidationError("conversation_id", "conversation ID is required")
	}
	applyPaginationDefaults(&filter.Limit, &filter.Offset)

	r.mu.Lock()
	var matched []*domain.WorkflowState
	for _, w := range r.workflows {
		if w.ConversationID == filter.ConversationID {
			matched = append(matched, w.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []*domain.WorkflowState{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], total, nil
}

// Advance commits a stage artifact when the precondition holds.
func (r *MemoryWorkflowRepository) Advance(
	_ context.Context,
	id uuid.UUID,
	expectedVersion int64,
	stage domain.Stage,
	artifact domain.Artifact,
	next domain.Stage,
	now time.Time,
) (*domain.WorkflowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id.String())
	}
	if w.Status != domain.WorkflowStatusRunning || w.CurrentStage != stage || w.Version != expectedVersion {
		return nil, domain.NewConflictError(id.String(), stage, expectedVersion, w.Version,
			conflictReason(expectedVersion, w.Version, stage, w.CurrentStage, w.Status))
	}

	if artifact == nil {
		artifact = domain.Artifact{}
	}
	w.Payload[stage] = cloneAny(artifact)
	w.Version++
	w.Error = nil
	w.UpdatedAt = now
	if next == "" {
		w.Status = domain.WorkflowStatusComplete
	} else {
		w.CurrentStage = next
	}

	return w.Clone(), nil
}

// Update applies fn to a copy and stores status, stage and error on success.
func (r *MemoryWorkflowRepository) Update(_ context.Context, id uuid.UUID, now time.Time, fn func(*domain.WorkflowState) error) (*domain.WorkflowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, domain.NewNotFoundError("workflow", id.String())
	}

	c := w.Clone()
	if err := fn(c); err != nil {
		return nil, err
	}

	w.CurrentStage = c.CurrentStage
	w.Status = c.Status
	w.Error = c.Error
	w.UpdatedAt = now

	return w.Clone(), nil
}

// cloneAny copies an artifact so later caller mutation cannot reach the store.
func cloneAny(a domain.Artifact) domain.Artifact {
	c := make(domain.Artifact, len(a))
	for k, v := range a {
		c[k] = v
	}
	return c
}

// MemoryJobRepository is an in-process JobRepository.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	seq  map[uuid.UUID]int
	next int
}

// NewMemoryJobRepository creates an empty in-memory queue.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[uuid.UUID]*domain.Job),
		seq:  make(map[uuid.UUID]int),
	}
}

// Enqueue inserts a pending job, rejecting a second live job for the same stage.
func (r *MemoryJobRepository) Enqueue(_ context.Context, job *domain.Job) error {
	if job == nil {
		return domain.NewValidationError("job", "job cannot be nil")
	}
	if !job.Stage.Valid() {
		return domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", job.Stage))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.jobs {
		if existing.WorkflowID == job.WorkflowID && existing.Stage == job.Stage && isLive(existing.Status) {
			return domain.NewAlreadyExistsError("job", fmt.Sprintf("%s/%s", job.WorkflowID, job.Stage))
		}
	}

	c := *job
	r.jobs[job.ID] = &c
	r.seq[job.ID] = r.next
	r.next++
	return nil
}

// Claim leases the oldest visible pending job.
func (r *MemoryJobRepository) Claim(_ context.Context, owner string, lease time.Duration, now time.Time) (*domain.Job, error) {
	if owner == "" {
		return nil, domain.NewValidationError("owner", "lease owner is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *domain.Job
	for _, j := range r.jobs {
		if j.Status != domain.JobStatusPending || j.VisibleAt.After(now) {
			continue
		}
		if best == nil || j.VisibleAt.Before(best.VisibleAt) ||
			(j.VisibleAt.Equal(best.VisibleAt) && r.seq[j.ID] < r.seq[best.ID]) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(lease)
	o := owner
	best.Status = domain.JobStatusRunning
	best.LeaseOwner = &o
	best.LeaseExpiresAt = &expires
	best.UpdatedAt = now

	return copyJob(best), nil
}

// Complete marks a leased job succeeded.
func (r *MemoryJobRepository) Complete(_ context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.updateLeased(id, owner, func(j *domain.Job) {
		j.Status = domain.JobStatusSucceeded
		j.UpdatedAt = now
	})
}

// Retry returns a leased job to pending until visibleAt.
func (r *MemoryJobRepository) Retry(_ context.Context, id uuid.UUID, owner string, attempt int, visibleAt time.Time, lastErr string, now time.Time) error {
	return r.updateLeased(id, owner, func(j *domain.Job) {
		j.Status = domain.JobStatusPending
		j.AttemptCount = attempt
		j.VisibleAt = visibleAt
		j.LastError = nullString(lastErr)
		j.UpdatedAt = now
	})
}

// Bury marks a leased job dead.
func (r *MemoryJobRepository) Bury(_ context.Context, id uuid.UUID, owner string, attempt int, lastErr string, now time.Time) error {
	return r.updateLeased(id, owner, func(j *domain.Job) {
		j.Status = domain.JobStatusDead
		j.AttemptCount = attempt
		j.LastError = nullString(lastErr)
		j.UpdatedAt = now
	})
}

func (r *MemoryJobRepository) updateLeased(id uuid.UUID, owner string, fn func(*domain.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != domain.JobStatusRunning || j.LeaseOwner == nil || *j.LeaseOwner != owner {
		return ErrLeaseLost
	}
	fn(j)
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	return nil
}

// ReclaimExpired returns running jobs past their lease to pending.
func (r *MemoryJobRepository) ReclaimExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if j.LeaseExpired(now) {
			j.Status = domain.JobStatusPending
			j.LeaseOwner = nil
			j.LeaseExpiresAt = nil
			j.VisibleAt = now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// Get retrieves a job by ID.
func (r *MemoryJobRepository) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("job", id.String())
	}
	return copyJob(j), nil
}

// ListByWorkflow returns every job of a workflow in creation order.
func (r *MemoryJobRepository) ListByWorkflow(_ context.Context, workflowID uuid.UUID) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.Job
	for _, j := range r.jobs {
		if j.WorkflowID == workflowID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return r.seq[out[a].ID] < r.seq[out[b].ID] })
	return out, nil
}

func isLive(s domain.JobStatus) bool {
	return s == domain.JobStatusPending || s == domain.JobStatusRunning
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.LeaseOwner != nil {
		o := *j.LeaseOwner
		c.LeaseOwner = &o
	}
	if j.LeaseExpiresAt != nil {
		e := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &e
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}
