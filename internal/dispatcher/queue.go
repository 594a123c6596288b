package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
)

// Queue inserts stage jobs and wakes local workers. It implements
// engine.Enqueuer.
type Queue struct {
	jobs    repository.JobRepository
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	wake    chan struct{}
}

// NewQueue creates a Queue over jobs. now may be nil.
func NewQueue(jobs repository.JobRepository, logger zerolog.Logger, metrics *observability.Metrics, now func() time.Time) *Queue {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		jobs:    jobs,
		logger:  logger.With().Str("component", "queue").Logger(),
		metrics: metrics,
		now:     now,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue inserts a pending job visible now. A live job for the same stage
// already satisfies the request.
func (q *Queue) Enqueue(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) error {
	job := domain.NewJob(workflowID, stage, q.now())
	if err := q.jobs.Enqueue(ctx, job); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			q.logger.Debug().
				Str("workflow_id", workflowID.String()).
				Str("stage", string(stage)).
				Msg("live job already queued")
			return nil
		}
		return err
	}

	q.metrics.RecordJobEnqueued(string(stage))
	q.logger.Debug().
		Str("job_id", job.ID.String()).
		Str("workflow_id", workflowID.String()).
		Str("stage", string(stage)).
		Msg("job enqueued")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Wake fires after a local enqueue so idle workers skip their poll wait.
func (q *Queue) Wake() <-chan struct{} { return q.wake }
