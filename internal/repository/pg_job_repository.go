package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SampleBias/Oxidized-Bio/internal/database"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

const jobColumns = `id, workflow_id, stage::text, status::text, attempt_count,
		lease_owner, lease_expires_at, visible_at, last_error, created_at, updated_at`

// Compile-time interface verification.
var _ JobRepository = (*PgJobRepository)(nil)

// PgJobRepository is a PostgreSQL implementation of JobRepository.
type PgJobRepository struct {
	db DBTX
}

// NewPgJobRepository creates a new PostgreSQL job repository.
func NewPgJobRepository(db DBTX) *PgJobRepository {
	return &PgJobRepository{db: db}
}

// Enqueue inserts a pending job.
func (r *PgJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return domain.NewValidationError("job", "job cannot be nil")
	}
	if job.ID == uuid.Nil {
		return domain.NewValidationError("id", "job ID is required")
	}
	if !job.Stage.Valid() {
		return domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", job.Stage))
	}

	query := `
		INSERT INTO jobs (
			id, workflow_id, stage, status, attempt_count,
			visible_at, created_at, updated_at
		) VALUES (
			$1, $2, $3::pipeline_stage, $4::job_status, $5,
			$6, $7, $8
		)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.WorkflowID, string(job.Stage), string(job.Status), job.AttemptCount,
		job.VisibleAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("job", fmt.Sprintf("%s/%s", job.WorkflowID, job.Stage))
		}
		if isPgForeignKeyViolation(err) {
			return domain.NewNotFoundError("workflow", job.WorkflowID.String())
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// Claim leases the oldest visible pending job. SKIP LOCKED lets concurrent
// claimers pass over rows another transaction is already taking.
func (r *PgJobRepository) Claim(ctx context.Context, owner string, lease time.Duration, now time.Time) (*domain.Job, error) {
	if owner == "" {
		return nil, domain.NewValidationError("owner", "lease owner is required")
	}

	query := `
		UPDATE jobs SET
			status = 'running',
			lease_owner = $1,
			lease_expires_at = $2,
			updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND visible_at <= $3
			ORDER BY visible_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, owner, now.Add(lease), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// Complete marks a leased job succeeded.
func (r *PgJobRepository) Complete(ctx context.Context, id uuid.UUID, owner string, now time.Time) error {
	return r.execLeased(ctx, "complete", `
		UPDATE jobs SET
			status = 'succeeded',
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		id, owner, now,
	)
}

// Retry returns a leased job to pending until visibleAt.
func (r *PgJobRepository) Retry(ctx context.Context, id uuid.UUID, owner string, attempt int, visibleAt time.Time, lastErr string, now time.Time) error {
	return r.execLeased(ctx, "retry", `
		UPDATE jobs SET
			status = 'pending',
			attempt_count = $3,
			visible_at = $4,
			last_error = $5,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = $6
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		id, owner, attempt, visibleAt, nullString(lastErr), now,
	)
}

// Bury marks a leased job dead.
func (r *PgJobRepository) Bury(ctx context.Context, id uuid.UUID, owner string, attempt int, lastErr string, now time.Time) error {
	return r.execLeased(ctx, "bury", `
		UPDATE jobs SET
			status = 'dead',
			attempt_count = $3,
			last_error = $4,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = $5
		WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		id, owner, attempt, nullString(lastErr), now,
	)
}

func (r *PgJobRepository) execLeased(ctx context.Context, op, query string, args ...interface{}) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReclaimExpired returns running jobs past their lease to pending.
func (r *PgJobRepository) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'pending',
			lease_owner = NULL,
			lease_expires_at = NULL,
			visible_at = $1,
			updated_at = $1
		WHERE status = 'running' AND lease_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	return result.RowsAffected(), nil
}

// Get retrieves a job by ID.
func (r *PgJobRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("job", id.String())
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListByWorkflow returns every job of a workflow in creation order.
func (r *PgJobRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*domain.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = $1 ORDER BY created_at, id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		stage  string
		status string
	)
	err := row.Scan(
		&job.ID, &job.WorkflowID, &stage, &status, &job.AttemptCount,
		&job.LeaseOwner, &job.LeaseExpiresAt, &job.VisibleAt, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Stage = domain.Stage(stage)
	job.Status = domain.JobStatus(status)
	return &job, nil
}

// Compile-time interface verification.
var _ LeaseReclaimer = (*LeaderReclaimer)(nil)

// LeaderReclaimer runs ReclaimExpired under a transaction-scoped advisory
// lock so that only one process sweeps at a time. When the lock is held
// elsewhere the sweep is skipped and reports zero.
type LeaderReclaimer struct {
	db  *database.DB
	key int64
}

// NewLeaderReclaimer creates a sweeper guarded by database.LeaseSweepLockKey.
func NewLeaderReclaimer(db *database.DB) *LeaderReclaimer {
	return &LeaderReclaimer{db: db, key: database.LeaseSweepLockKey}
}

// ReclaimExpired implements LeaseReclaimer.
func (r *LeaderReclaimer) ReclaimExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	_, err := r.db.WithAdvisoryLock(ctx, r.key, func(tx pgx.Tx) error {
		var err error
		n, err = NewPgJobRepository(tx).ReclaimExpired(ctx, now)
		return err
	})
	return n, err
}
