// Package dispatcher runs the worker pool that executes stage jobs. Workers
// lease jobs from the durable queue, run the stage handler against a
// workflow snapshot, commit through the engine, and retry or dead-letter
// failures. A sweeper returns jobs with lapsed leases to the queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/SampleBias/Oxidized-Bio/internal/agents"
	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/repository"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

// Engine is the workflow engine surface the dispatcher uses.
type Engine interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error)
	Advance(ctx context.Context, id uuid.UUID, expectedVersion int64, stage domain.Stage, artifact domain.Artifact) (domain.AdvanceResult, error)
	Fail(ctx context.Context, id uuid.UUID, stage domain.Stage, cause error, exhausted bool) error
}

// Config controls the worker pool.
type Config struct {
	// WorkerID prefixes lease owner names. Defaults to a random ID.
	WorkerID      string
	Workers       int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	Backoff       resilience.Backoff
	// ShutdownGrace bounds how long in-flight handlers may run after Run's
	// context is cancelled.
	ShutdownGrace time.Duration

	// Reclaimer sweeps lapsed leases. Defaults to the job repository.
	Reclaimer repository.LeaseReclaimer

	Logger  zerolog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = resilience.Backoff{Base: 5 * time.Second, Max: 5 * time.Minute, Multiplier: 2, Jitter: 0.5}
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Dispatcher is the worker pool.
type Dispatcher struct {
	cfg      Config
	jobs     repository.JobRepository
	queue    *Queue
	engine   Engine
	registry *agents.Registry
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// New creates a Dispatcher. The registry must bind every stage.
func New(cfg Config, jobs repository.JobRepository, queue *Queue, eng Engine, registry *agents.Registry) (*Dispatcher, error) {
	cfg.applyDefaults()
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	if cfg.Reclaimer == nil {
		cfg.Reclaimer = jobs
	}
	return &Dispatcher{
		cfg:      cfg,
		jobs:     jobs,
		queue:    queue,
		engine:   eng,
		registry: registry,
		logger:   cfg.Logger.With().Str("component", "dispatcher").Str("worker_id", cfg.WorkerID).Logger(),
		metrics:  cfg.Metrics,
	}, nil
}

// Retrigger inserts a fresh job for stage with attempt_count 0.
func (d *Dispatcher) Retrigger(ctx context.Context, workflowID uuid.UUID, stage domain.Stage) error {
	return d.queue.Enqueue(ctx, workflowID, stage)
}

// Run starts the workers and the sweeper and blocks until ctx is cancelled
// and every loop has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("workers", d.cfg.Workers).
		Dur("lease", d.cfg.LeaseDuration).
		Int("max_attempts", d.cfg.MaxAttempts).
		Msg("dispatcher starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s-%d", d.cfg.WorkerID, i)
		g.Go(func() error {
			d.workLoop(gctx, owner)
			return nil
		})
	}
	g.Go(func() error {
		d.sweepLoop(gctx)
		return nil
	})

	err := g.Wait()
	d.logger.Info().Msg("dispatcher stopped")
	return err
}

func (d *Dispatcher) workLoop(ctx context.Context, owner string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-d.queue.Wake():
		}

		for ctx.Err() == nil {
			processed, err := d.ProcessNext(ctx, owner)
			if err != nil {
				d.logger.Error().Err(err).Str("owner", owner).Msg("claim failed")
				break
			}
			if !processed {
				break
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.PollInterval)
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error().Err(err).Msg("lease sweep failed")
			}
		}
	}
}

// Sweep returns running jobs with lapsed leases to pending.
func (d *Dispatcher) Sweep(ctx context.Context) (int64, error) {
	n, err := d.cfg.Reclaimer.ReclaimExpired(ctx, d.cfg.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.metrics.RecordLeasesReclaimed(int(n))
		d.logger.Warn().Int64("count", n).Msg("reclaimed expired leases")
	}
	return n, nil
}

// ProcessNext claims and processes one job as owner. It reports false when
// the queue had nothing claimable.
func (d *Dispatcher) ProcessNext(ctx context.Context, owner string) (bool, error) {
	job, err := d.jobs.Claim(ctx, owner, d.cfg.LeaseDuration, d.cfg.Now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	jobCtx, cancel := d.jobContext(ctx)
	defer cancel()
	d.process(jobCtx, owner, job)
	return true, nil
}

// jobContext outlives ctx by ShutdownGrace and never outlives the lease.
func (d *Dispatcher) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.LeaseDuration)
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(d.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-jobCtx.Done():
		}
	})
	return jobCtx, func() {
		stop()
		cancel()
	}
}

func (d *Dispatcher) process(ctx context.Context, owner string, job *domain.Job) {
	start := time.Now()
	attempt := job.AttemptCount + 1
	stage := string(job.Stage)
	log := observability.WithJobContext(d.logger, job.ID.String(), stage, attempt).
		With().Str("workflow_id", job.WorkflowID.String()).Str("owner", owner).Logger()
	ctx = observability.WithJob(ctx, job.ID.String(), stage)
	ctx = observability.WithWorkerID(ctx, owner)
	d.metrics.RecordJobClaimed(stage)

	w, err := d.engine.Get(ctx, job.WorkflowID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			err = resilience.Permanent(err)
		}
		d.handleFailure(ctx, log, owner, job, nil, err, start)
		return
	}
	ctx = observability.WithWorkflow(ctx, w.ID.String(), w.ConversationID)

	if w.Status != domain.WorkflowStatusRunning || w.CurrentStage != job.Stage {
		d.metrics.RecordJobStale(stage)
		log.Info().
			Str("workflow_status", string(w.Status)).
			Str("current_stage", string(w.CurrentStage)).
			Msg("discarding stale job")
		if w.Status == domain.WorkflowStatusRunning && w.CurrentStage.Index() > job.Stage.Index() {
			// The advance committed but its worker may have died before
			// queueing the next stage. Enqueue is a no-op for a live job.
			if err := d.queue.Enqueue(ctx, w.ID, w.CurrentStage); err != nil {
				log.Error().Err(err).Str("next", string(w.CurrentStage)).Msg("failed to enqueue current stage")
				return
			}
		}
		d.complete(ctx, log, owner, job)
		return
	}

	handler, err := d.registry.Lookup(job.Stage)
	if err != nil {
		d.handleFailure(ctx, log, owner, job, w, resilience.Permanent(err), start)
		return
	}

	artifact, err := handler(ctx, agents.NewSnapshot(w, attempt))
	if err != nil {
		d.handleFailure(ctx, log, owner, job, w, err, start)
		return
	}

	// The lease is held until the next stage is queued, so a crash anywhere
	// below leaves a running job for the sweeper to hand back.
	res, err := d.engine.Advance(ctx, w.ID, w.Version, job.Stage, artifact)
	switch {
	case errors.Is(err, domain.ErrConflict):
		log.Info().Err(err).Msg("advance conflict, discarding result")
		d.complete(ctx, log, owner, job)
		return
	case err != nil:
		d.handleFailure(ctx, log, owner, job, w, fmt.Errorf("advance %s: %w", job.Stage, err), start)
		return
	}

	if !res.Complete {
		if err := d.queue.Enqueue(ctx, w.ID, res.Next); err != nil {
			// Left running: once the lease lapses the redelivery is stale and
			// queues res.Next again.
			log.Error().Err(err).Str("next", string(res.Next)).Msg("failed to enqueue next stage")
			return
		}
	}

	if !d.complete(ctx, log, owner, job) {
		return
	}
	d.metrics.RecordJobSucceeded(stage, time.Since(start).Seconds())

	log.Info().
		Int64("version", res.Version).
		Str("next", string(res.Next)).
		Bool("complete", res.Complete).
		Dur("duration", time.Since(start)).
		Msg("stage succeeded")
}

// complete marks the job succeeded. A lost lease means another worker owns
// the job now and this delivery is dropped.
func (d *Dispatcher) complete(ctx context.Context, log zerolog.Logger, owner string, job *domain.Job) bool {
	if err := d.jobs.Complete(ctx, job.ID, owner, d.cfg.Now()); err != nil {
		if errors.Is(err, repository.ErrLeaseLost) {
			d.metrics.RecordJobStale(string(job.Stage))
			log.Warn().Msg("lease lost before completion, discarding result")
		} else {
			log.Error().Err(err).Msg("failed to complete job")
		}
		return false
	}
	return true
}

func (d *Dispatcher) handleFailure(ctx context.Context, log zerolog.Logger, owner string, job *domain.Job, w *domain.WorkflowState, cause error, start time.Time) {
	attempt := job.AttemptCount + 1
	stage := string(job.Stage)
	kind := resilience.Classify(cause)
	now := d.cfg.Now()
	msg := cause.Error()

	dead := kind == domain.KindPermanent || kind == domain.KindExhausted || attempt >= d.cfg.MaxAttempts
	if !dead {
		delay := d.cfg.Backoff.Delay(attempt - 1)
		if err := d.jobs.Retry(ctx, job.ID, owner, attempt, now.Add(delay), msg, now); err != nil {
			d.logLeaseError(log, err, "retry")
			return
		}
		d.metrics.RecordJobRetried(stage, time.Since(start).Seconds())
		log.Warn().
			Err(cause).
			Str("error_kind", kind.String()).
			Dur("retry_in", delay).
			Msg("stage failed, will retry")
		if w != nil {
			d.recordFailure(ctx, log, job, cause, false)
		}
		return
	}

	if err := d.jobs.Bury(ctx, job.ID, owner, attempt, msg, now); err != nil {
		d.logLeaseError(log, err, "bury")
		return
	}
	d.metrics.RecordJobDead(stage, time.Since(start).Seconds())
	log.Error().
		Err(cause).
		Str("error_kind", kind.String()).
		Msg("stage dead-lettered")

	exhausted := fmt.Errorf("%w: %s after %d attempt(s): %s", domain.ErrExhausted, stage, attempt, msg)
	d.recordFailure(ctx, log, job, exhausted, true)
}

func (d *Dispatcher) recordFailure(ctx context.Context, log zerolog.Logger, job *domain.Job, cause error, exhausted bool) {
	err := d.engine.Fail(ctx, job.WorkflowID, job.Stage, cause, exhausted)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		log.Debug().Err(err).Msg("workflow moved on, failure not recorded")
	default:
		log.Error().Err(err).Msg("failed to record stage failure")
	}
}

func (d *Dispatcher) logLeaseError(log zerolog.Logger, err error, op string) {
	if errors.Is(err, repository.ErrLeaseLost) {
		log.Warn().Str("op", op).Msg("lease lost, another worker owns the job")
		return
	}
	log.Error().Err(err).Str("op", op).Msg("failed to update job")
}
