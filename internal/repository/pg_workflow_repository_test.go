package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

var workflowRowColumns = []string{
	"id", "conversation_id", "current_stage", "input", "payload",
	"status", "version", "error", "created_at", "updated_at",
}

func newTestWorkflow() *domain.WorkflowState {
	return domain.NewWorkflowState("conv-1", domain.Artifact{"dataset": "120 rows"}, time.Now().UTC())
}

func workflowRows(t *testing.T, ws ...*domain.WorkflowState) *pgxmock.Rows {
	t.Helper()
	rows := pgxmock.NewRows(workflowRowColumns)
	for _, w := range ws {
		inputJSON, err := json.Marshal(w.Input)
		require.NoError(t, err)
		payloadJSON, err := json.Marshal(w.Payload)
		require.NoError(t, err)
		rows.AddRow(
			w.ID, w.ConversationID, string(w.CurrentStage), inputJSON, payloadJSON,
			string(w.Status), w.Version, w.Error, w.CreatedAt, w.UpdatedAt,
		)
	}
	return rows
}

func TestPgWorkflowRepository_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("inserts workflow", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		w := newTestWorkflow()

		mock.ExpectExec("INSERT INTO workflows").
			WithArgs(
				w.ID, w.ConversationID, "ingestion", pgxmock.AnyArg(), pgxmock.AnyArg(),
				"running", int64(0), pgxmock.AnyArg(), w.CreatedAt, w.UpdatedAt,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(ctx, w))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to already exists", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)

		mock.ExpectExec("INSERT INTO workflows").
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})

		err = repo.Create(ctx, newTestWorkflow())
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects missing conversation", func(t *testing.T) {
		repo := NewPgWorkflowRepository(&mockDBTXUnused{})
		w := newTestWorkflow()
		w.ConversationID = ""
		assert.ErrorIs(t, repo.Create(ctx, w), domain.ErrInvalidInput)
	})
}

func TestPgWorkflowRepository_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("returns workflow with payload", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		w := newTestWorkflow()
		w.CurrentStage = domain.StagePlanning
		w.Version = 1
		w.Payload[domain.StageIngestion] = domain.Artifact{"rows": float64(120)}

		mock.ExpectQuery("SELECT .* FROM workflows WHERE id = \\$1").
			WithArgs(w.ID).
			WillReturnRows(workflowRows(t, w))

		got, err := repo.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
		assert.Equal(t, domain.StagePlanning, got.CurrentStage)
		assert.Equal(t, domain.WorkflowStatusRunning, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, float64(120), got.Payload[domain.StageIngestion]["rows"])
		assert.Equal(t, "120 rows", got.Input["dataset"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("SELECT .* FROM workflows WHERE id = \\$1").
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		got, err := repo.Get(ctx, id)
		assert.Nil(t, got)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgWorkflowRepository_Advance(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("commits when version and stage match", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		after := newTestWorkflow()
		after.CurrentStage = domain.StagePlanning
		after.Version = 1
		after.Payload[domain.StageIngestion] = domain.Artifact{"rows": float64(120)}

		mock.ExpectQuery("UPDATE workflows SET").
			WithArgs(after.ID, int64(0), "ingestion", "ingestion", pgxmock.AnyArg(), "planning", "running", now).
			WillReturnRows(workflowRows(t, after))

		got, err := repo.Advance(ctx, after.ID, 0, domain.StageIngestion, domain.Artifact{"rows": 120}, domain.StagePlanning, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, domain.StagePlanning, got.CurrentStage)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("final stage completes the workflow", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		after := newTestWorkflow()
		after.CurrentStage = domain.StageFinal
		after.Status = domain.WorkflowStatusComplete
		after.Version = 6

		mock.ExpectQuery("UPDATE workflows SET").
			WithArgs(after.ID, int64(5), "final", "final", pgxmock.AnyArg(), "final", "complete", now).
			WillReturnRows(workflowRows(t, after))

		got, err := repo.Advance(ctx, after.ID, 5, domain.StageFinal, domain.Artifact{"report": "ok"}, "", now)
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatusComplete, got.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version reports conflict", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("UPDATE workflows SET").
			WithArgs(id, int64(0), "ingestion", "ingestion", pgxmock.AnyArg(), "planning", "running", now).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT version, current_stage::text, status::text FROM workflows").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"version", "current_stage", "status"}).
				AddRow(int64(1), "planning", "running"))

		got, err := repo.Advance(ctx, id, 0, domain.StageIngestion, domain.Artifact{}, domain.StagePlanning, now)
		assert.Nil(t, got)
		require.ErrorIs(t, err, domain.ErrConflict)

		var conflict *domain.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(1), conflict.ActualVersion)
		assert.Equal(t, "workflow is at stage planning", conflict.Reason)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing workflow reports not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("UPDATE workflows SET").
			WithArgs(id, int64(0), "ingestion", "ingestion", pgxmock.AnyArg(), "planning", "running", now).
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectQuery("SELECT version").
			WithArgs(id).
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.Advance(ctx, id, 0, domain.StageIngestion, nil, domain.StagePlanning, now)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgWorkflowRepository_Update(t *testing.T) {
	ctx := context.Background()

	t.Run("locks, applies and commits", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		w := newTestWorkflow()
		now := w.CreatedAt.Add(time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .* FROM workflows WHERE id = \\$1 FOR UPDATE").
			WithArgs(w.ID).
			WillReturnRows(workflowRows(t, w))
		mock.ExpectExec("UPDATE workflows SET").
			WithArgs(w.ID, "ingestion", "cancelled", pgxmock.AnyArg(), now).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		got, err := repo.Update(ctx, w.ID, now, func(s *domain.WorkflowState) error {
			s.Status = domain.WorkflowStatusCancelled
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatusCancelled, got.Status)
		assert.Equal(t, now, got.UpdatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("callback error rolls back", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgWorkflowRepository(mock)
		w := newTestWorkflow()
		boom := errors.New("refused")

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT .* FROM workflows WHERE id = \\$1 FOR UPDATE").
			WithArgs(w.ID).
			WillReturnRows(workflowRows(t, w))
		mock.ExpectRollback()

		_, err = repo.Update(ctx, w.ID, time.Now(), func(*domain.WorkflowState) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgWorkflowRepository_ListByConversation(t *testing.T) {
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgWorkflowRepository(mock)
	a, b := newTestWorkflow(), newTestWorkflow()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM workflows WHERE conversation_id = \\$1").
		WithArgs("conv-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT .* FROM workflows\\s+WHERE conversation_id = \\$1\\s+ORDER BY created_at DESC").
		WithArgs("conv-1", defaultFilterLimit, 0).
		WillReturnRows(workflowRows(t, a, b))

	got, total, err := repo.ListByConversation(ctx, domain.WorkflowFilter{ConversationID: "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet())

	_, _, err = repo.ListByConversation(ctx, domain.WorkflowFilter{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConflictReason(t *testing.T) {
	tests := []struct {
		name     string
		expected int64
		actual   int64
		current  domain.Stage
		status   domain.WorkflowStatus
		want     string
	}{
		{"cancelled", 2, 2, domain.StageLiterature, domain.WorkflowStatusCancelled, "workflow is cancelled"},
		{"moved on", 2, 3, domain.StageFindings, domain.WorkflowStatusRunning, "workflow is at stage findings"},
		{"version only", 2, 3, domain.StageLiterature, domain.WorkflowStatusRunning, "version mismatch"},
		{"race", 2, 2, domain.StageLiterature, domain.WorkflowStatusRunning, "concurrent update"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := conflictReason(tt.expected, tt.actual, domain.StageLiterature, tt.current, tt.status)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyPaginationDefaults(t *testing.T) {
	limit, offset := 0, -5
	applyPaginationDefaults(&limit, &offset)
	assert.Equal(t, defaultFilterLimit, limit)
	assert.Equal(t, 0, offset)

	limit = 5000
	applyPaginationDefaults(&limit, &offset)
	assert.Equal(t, maxFilterLimit, limit)
}

func TestIsPgUniqueViolation(t *testing.T) {
	assert.True(t, isPgUniqueViolation(&pgconn.PgError{Code: pgUniqueViolation}))
	assert.False(t, isPgUniqueViolation(&pgconn.PgError{Code: pgForeignKeyViolation}))
	assert.False(t, isPgUniqueViolation(errors.New("other")))
	assert.True(t, isPgForeignKeyViolation(&pgconn.PgError{Code: pgForeignKeyViolation}))
}

// mockDBTXUnused panics if any query reaches it.
type mockDBTXUnused struct{ DBTX }
