package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// workflowColumns is the shared projection for workflow reads. Enum columns
// are read as text so they scan into plain strings.
const workflowColumns = `id, conversation_id, current_stage::text, input, payload,
		status::text, version, error, created_at, updated_at`

// Compile-time interface verification.
var _ WorkflowRepository = (*PgWorkflowRepository)(nil)

// PgWorkflowRepository is a PostgreSQL implementation of WorkflowRepository.
type PgWorkflowRepository struct {
	db DBTX
}

// NewPgWorkflowRepository creates a new PostgreSQL workflow repository.
func NewPgWorkflowRepository(db DBTX) *PgWorkflowRepository {
	return &PgWorkflowRepository{db: db}
}

// Create inserts a new workflow.
func (r *PgWorkflowRepository) Create(ctx context.Context, w *domain.WorkflowState) error {
	if w == nil {
		return domain.NewValidationError("workflow", "workflow cannot be nil")
	}
	if w.ID == uuid.Nil {
		return domain.NewValidationError("id", "workflow ID is required")
	}
	if w.ConversationID == "" {
		return domain.NewValidationError("conversation_id", "conversation ID is required")
	}

	inputJSON, err := json.Marshal(w.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	payloadJSON, err := json.Marshal(w.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
		INSERT INTO workflows (
			id, conversation_id, current_stage, input, payload,
			status, version, error, created_at, updated_at
		) VALUES (
			$1, $2, $3::pipeline_stage, $4, $5,
			$6::workflow_status, $7, $8, $9, $10
		)`

	_, err = r.db.Exec(ctx, query,
		w.ID, w.ConversationID, string(w.CurrentStage), inputJSON, payloadJSON,
		string(w.Status), w.Version, w.Error, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return domain.NewAlreadyExistsError("workflow", w.ID.String())
		}
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// Get retrieves a workflow snapshot by ID.
func (r *PgWorkflowRepository) Get(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	w, err := scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("workflow", id.String())
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	return w, nil
}

// ListByConversation returns the workflows of a conversation, newest first.
func (r *PgWorkflowRepository) ListByConversation(ctx context.Context, filter domain.WorkflowFilter) ([]*domain.WorkflowState, int64, error) {
	if filter.ConversationID == "" {
		return nil, 0, domain.NewValidationError("conversation_id", "conversation ID is required")
	}
	applyPaginationDefaults(&filter.Limit, &filter.Offset)

	var total int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflows WHERE conversation_id = $1`,
		filter.ConversationID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count workflows: %w", err)
	}

	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, filter.ConversationID, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.WorkflowState, 0, filter.Limit)
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating workflows: %w", err)
	}

	return out, total, nil
}

// Advance commits a stage artifact with a single conditional UPDATE. Only one
// of any number of concurrent callers holding the same version can match the
// WHERE clause.
func (r *PgWorkflowRepository) Advance(
	ctx context.Context,
	id uuid.UUID,
	expectedVersion int64,
	stage domain.Stage,
	artifact domain.Artifact,
	next domain.Stage,
	now time.Time,
) (*domain.WorkflowState, error) {
	if artifact == nil {
		artifact = domain.Artifact{}
	}
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal artifact: %w", err)
	}

	status := domain.WorkflowStatusRunning
	target := next
	if next == "" {
		status = domain.WorkflowStatusComplete
		target = stage
	}

	query := `
		UPDATE workflows SET
			payload = payload || jsonb_build_object($4::text, $5::jsonb),
			version = version + 1,
			current_stage = $6::pipeline_stage,
			status = $7::workflow_status,
			error = NULL,
			updated_at = $8
		WHERE id = $1
		  AND version = $2
		  AND current_stage = $3::pipeline_stage
		  AND status = 'running'
		RETURNING ` + workflowColumns

	w, err := scanWorkflow(r.db.QueryRow(ctx, query,
		id, expectedVersion, string(stage),
		string(stage), artifactJSON,
		string(target), string(status), now,
	))
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to advance workflow: %w", err)
	}

	return nil, r.describeConflict(ctx, id, expectedVersion, stage)
}

// describeConflict explains why an Advance matched no row.
func (r *PgWorkflowRepository) describeConflict(ctx context.Context, id uuid.UUID, expectedVersion int64, stage domain.Stage) error {
	var (
		version      int64
		currentStage string
		status       string
	)
	err := r.db.QueryRow(ctx,
		`SELECT version, current_stage::text, status::text FROM workflows WHERE id = $1`, id,
	).Scan(&version, &currentStage, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NewNotFoundError("workflow", id.String())
		}
		return fmt.Errorf("failed to read workflow after conflict: %w", err)
	}

	return domain.NewConflictError(id.String(), stage, expectedVersion, version,
		conflictReason(expectedVersion, version, stage, domain.Stage(currentStage), domain.WorkflowStatus(status)))
}

// Update applies fn to the row locked with SELECT FOR UPDATE. When the
// underlying DBTX is a pool the lock and write run in their own transaction.
func (r *PgWorkflowRepository) Update(ctx context.Context, id uuid.UUID, now time.Time, fn func(*domain.WorkflowState) error) (*domain.WorkflowState, error) {
	var updated *domain.WorkflowState
	err := withTx(ctx, r.db, func(db DBTX) error {
		var err error
		updated, err = updateWorkflowInTx(ctx, db, id, now, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func updateWorkflowInTx(ctx context.Context, db DBTX, id uuid.UUID, now time.Time, fn func(*domain.WorkflowState) error) (*domain.WorkflowState, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1 FOR UPDATE`

	w, err := scanWorkflow(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("workflow", id.String())
		}
		return nil, fmt.Errorf("failed to query workflow for update: %w", err)
	}

	if err := fn(w); err != nil {
		return nil, err
	}

	w.UpdatedAt = now

	_, err = db.Exec(ctx, `
		UPDATE workflows SET
			current_stage = $2::pipeline_stage,
			status = $3::workflow_status,
			error = $4,
			updated_at = $5
		WHERE id = $1`,
		id, string(w.CurrentStage), string(w.Status), w.Error, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return w, nil
}

// conflictReason renders a short description of a failed advance precondition.
func conflictReason(expected, actual int64, stage, current domain.Stage, status domain.WorkflowStatus) string {
	switch {
	case status != domain.WorkflowStatusRunning:
		return fmt.Sprintf("workflow is %s", status)
	case current != stage:
		return fmt.Sprintf("workflow is at stage %s", current)
	case expected != actual:
		return "version mismatch"
	default:
		return "concurrent update"
	}
}

// workflowScanDest holds the destination pointers for scanning a workflow row.
type workflowScanDest struct {
	w           domain.WorkflowState
	stage       string
	status      string
	inputJSON   []byte
	payloadJSON []byte
}

func (d *workflowScanDest) destinations() []interface{} {
	return []interface{}{
		&d.w.ID, &d.w.ConversationID, &d.stage, &d.inputJSON, &d.payloadJSON,
		&d.status, &d.w.Version, &d.w.Error, &d.w.CreatedAt, &d.w.UpdatedAt,
	}
}

func (d *workflowScanDest) finalize() (*domain.WorkflowState, error) {
	d.w.CurrentStage = domain.Stage(d.stage)
	d.w.Status = domain.WorkflowStatus(d.status)
	d.w.Input = domain.Artifact{}
	d.w.Payload = make(map[domain.Stage]domain.Artifact)

	if len(d.inputJSON) > 0 {
		if err := json.Unmarshal(d.inputJSON, &d.w.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if len(d.payloadJSON) > 0 {
		if err := json.Unmarshal(d.payloadJSON, &d.w.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}

	return &d.w, nil
}

// scanWorkflow scans a single row from pgx.Row or pgx.Rows.
func scanWorkflow(row pgx.Row) (*domain.WorkflowState, error) {
	var dest workflowScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
