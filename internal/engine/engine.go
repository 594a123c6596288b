// Package engine is the single writer of workflow state. It owns workflow
// creation, the compare-and-swap stage advance, failure recording,
// cancellation and manual retrigger, and publishes a progress event after
// every commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
)

// Enqueuer schedules a stage execution for a workflow.
type Enqueuer interface {
	Enqueue(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) error
}

// Publisher delivers progress events. Delivery is best-effort and never
// fails the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, ev domain.ProgressEvent)
}

// Config holds optional engine dependencies.
type Config struct {
	Logger  zerolog.Logger
	Metrics *observability.Metrics
	// Now replaces time.Now in tests.
	Now func() time.Time
}

// Engine coordinates workflow state transitions.
type Engine struct {
	store     repository.WorkflowRepository
	queue     Enqueuer
	publisher Publisher
	logger    zerolog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// New creates an Engine.
func New(store repository.WorkflowRepository, queue Enqueuer, publisher Publisher, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Engine{
		store:     store,
		queue:     queue,
		publisher: publisher,
		logger:    cfg.Logger.With().Str("component", "engine").Logger(),
		metrics:   cfg.Metrics,
		now:       cfg.Now,
	}
}

// errAlreadyCancelled aborts the Cancel update without writing.
var errAlreadyCancelled = errors.New("already cancelled")

// Start creates a workflow at the first stage and enqueues its job.
func (e *Engine) Start(ctx context.Context, conversationID string, initial domain.Artifact) (*domain.WorkflowState, error) {
	if conversationID == "" {
		return nil, domain.NewValidationError("conversation_id", "is required")
	}

	w := domain.NewWorkflowState(conversationID, initial, e.now())
	if err := e.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("creating workflow: %w", err)
	}

	if err := e.queue.Enqueue(ctx, w.ID, w.CurrentStage); err != nil {
		// Leave a visible failure instead of a running workflow without a job.
		if _, uerr := e.store.Update(ctx, w.ID, e.now(), func(s *domain.WorkflowState) error {
			msg := fmt.Sprintf("enqueue %s: %v", s.CurrentStage, err)
			s.Error = &msg
			s.Status = domain.WorkflowStatusFailed
			return nil
		}); uerr != nil {
			e.logger.Error().Err(uerr).Str("workflow_id", w.ID.String()).Msg("failed to record enqueue failure")
		}
		return nil, fmt.Errorf("enqueueing %s: %w", w.CurrentStage, err)
	}

	e.metrics.RecordWorkflowStarted()
	log := observability.WithWorkflowContext(e.logger, w.ID.String(), conversationID)
	log.Info().Str("stage", string(w.CurrentStage)).Msg("workflow started")
	e.publish(ctx, w, w.CurrentStage, domain.EventStatusStarted, "workflow started")
	return w, nil
}

// Get returns a workflow snapshot.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error) {
	return e.store.Get(ctx, id)
}

// ListByConversation returns a page of a conversation's workflows, newest
// first, and the total count.
func (e *Engine) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]*domain.WorkflowState, int64, error) {
	if conversationID == "" {
		return nil, 0, domain.NewValidationError("conversation_id", "is required")
	}
	return e.store.ListByConversation(ctx, domain.WorkflowFilter{ConversationID: conversationID, Limit: limit, Offset: offset})
}

// Advance commits artifact as stage's output if the workflow is still
// running at stage with expectedVersion. A stale caller receives an error
// matching domain.ErrConflict and nothing is written.
func (e *Engine) Advance(ctx context.Context, id uuid.UUID, expectedVersion int64, stage domain.Stage, artifact domain.Artifact) (domain.AdvanceResult, error) {
	if !stage.Valid() {
		return domain.AdvanceResult{}, domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", stage))
	}
	next, terminal := domain.Next(stage)

	w, err := e.store.Advance(ctx, id, expectedVersion, stage, artifact, next, e.now())
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.metrics.RecordAdvanceConflict(string(stage))
		}
		return domain.AdvanceResult{}, err
	}

	e.metrics.RecordStageAdvanced(string(stage))
	log := observability.WithWorkflowContext(e.logger, w.ID.String(), w.ConversationID)

	if terminal {
		e.metrics.RecordWorkflowCompleted(w.UpdatedAt.Sub(w.CreatedAt).Seconds())
		log.Info().Int64("version", w.Version).Msg("workflow complete")
		e.publish(ctx, w, stage, domain.EventStatusCompleted, "workflow complete")
		return domain.AdvanceResult{Complete: true, Version: w.Version}, nil
	}

	log.Info().
		Str("stage", string(stage)).
		Str("next", string(next)).
		Int64("version", w.Version).
		Msg("stage committed")
	e.publish(ctx, w, stage, domain.EventStatusAdvanced, fmt.Sprintf("%s complete, next %s", stage, next))
	return domain.AdvanceResult{Next: next, Version: w.Version}, nil
}

// Fail records cause against the workflow's current stage. The workflow is
// marked failed only when exhausted is true; otherwise the error is kept as
// the latest attempt's failure while the stage is retried. A workflow that
// has moved past stage or stopped running yields domain.ErrConflict.
func (e *Engine) Fail(ctx context.Context, id uuid.UUID, stage domain.Stage, cause error, exhausted bool) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	w, err := e.store.Update(ctx, id, e.now(), func(w *domain.WorkflowState) error {
		if w.Status != domain.WorkflowStatusRunning || w.CurrentStage != stage {
			return domain.NewConflictError(id.String(), stage, w.Version, w.Version,
				fmt.Sprintf("workflow is %s at %s", w.Status, w.CurrentStage))
		}
		w.Error = &msg
		if exhausted {
			w.Status = domain.WorkflowStatusFailed
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := observability.WithWorkflowContext(e.logger, w.ID.String(), w.ConversationID)
	if exhausted {
		e.metrics.RecordWorkflowFailed()
		log.Warn().Str("stage", string(stage)).Str("error", msg).Msg("workflow failed")
		e.publish(ctx, w, stage, domain.EventStatusFailed, msg)
		return nil
	}
	log.Debug().Str("stage", string(stage)).Str("error", msg).Msg("stage attempt failed")
	e.publish(ctx, w, stage, domain.EventStatusStageFailed, msg)
	return nil
}

// Cancel stops a running workflow. In-flight handlers are not interrupted;
// their advance is rejected. Cancelling a cancelled workflow is a no-op.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error) {
	w, err := e.store.Update(ctx, id, e.now(), func(w *domain.WorkflowState) error {
		switch w.Status {
		case domain.WorkflowStatusCancelled:
			return errAlreadyCancelled
		case domain.WorkflowStatusRunning:
			w.Status = domain.WorkflowStatusCancelled
			return nil
		default:
			return domain.NewValidationError("status", fmt.Sprintf("cannot cancel a %s workflow", w.Status))
		}
	})
	if errors.Is(err, errAlreadyCancelled) {
		return e.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordWorkflowCancelled()
	log := observability.WithWorkflowContext(e.logger, w.ID.String(), w.ConversationID)
	log.Info().Str("stage", string(w.CurrentStage)).Msg("workflow cancelled")
	e.publish(ctx, w, w.CurrentStage, domain.EventStatusCancelled, "workflow cancelled")
	return w, nil
}

// Retrigger resumes a failed workflow at its current stage with a fresh job.
func (e *Engine) Retrigger(ctx context.Context, id uuid.UUID, stage domain.Stage) (*domain.WorkflowState, error) {
	if !stage.Valid() {
		return nil, domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", stage))
	}

	var previous *string
	w, err := e.store.Update(ctx, id, e.now(), func(w *domain.WorkflowState) error {
		if w.Status != domain.WorkflowStatusFailed {
			return domain.NewValidationError("status", fmt.Sprintf("only failed workflows can be retriggered, workflow is %s", w.Status))
		}
		if w.CurrentStage != stage {
			return domain.NewValidationError("stage", fmt.Sprintf("workflow failed at %s, not %s", w.CurrentStage, stage))
		}
		previous = w.Error
		w.Status = domain.WorkflowStatusRunning
		w.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, id, stage); err != nil {
		if _, uerr := e.store.Update(ctx, id, e.now(), func(s *domain.WorkflowState) error {
			s.Status = domain.WorkflowStatusFailed
			s.Error = previous
			return nil
		}); uerr != nil {
			e.logger.Error().Err(uerr).Str("workflow_id", id.String()).Msg("failed to restore workflow after retrigger error")
		}
		return nil, fmt.Errorf("enqueueing %s: %w", stage, err)
	}

	log := observability.WithWorkflowContext(e.logger, w.ID.String(), w.ConversationID)
	log.Info().Str("stage", string(stage)).Msg("stage retriggered")
	e.publish(ctx, w, stage, domain.EventStatusRetriggered, "stage retriggered")
	return w, nil
}

func (e *Engine) publish(ctx context.Context, w *domain.WorkflowState, stage domain.Stage, status domain.EventStatus, msg string) {
	e.publisher.Publish(ctx, domain.NewProgressEvent(w, stage, status, msg))
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.ProgressEvent) {}
