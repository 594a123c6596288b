// Package agents binds each pipeline stage to the handler that produces its
// artifact. Handlers read a snapshot of the workflow and may call the LLM
// gateway and external collaborators, but they never write workflow state:
// the engine is the only writer.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

// Snapshot is a read-only copy of a workflow handed to a handler.
type Snapshot struct {
	WorkflowID     uuid.UUID
	ConversationID string
	Stage          domain.Stage
	Version        int64
	Attempt        int
	Input          domain.Artifact
	Payload        map[domain.Stage]domain.Artifact
}

// NewSnapshot copies w so that the handler cannot mutate committed state.
func NewSnapshot(w *domain.WorkflowState, attempt int) Snapshot {
	c := w.Clone()
	return Snapshot{
		WorkflowID:     c.ID,
		ConversationID: c.ConversationID,
		Stage:          c.CurrentStage,
		Version:        c.Version,
		Attempt:        attempt,
		Input:          c.Input,
		Payload:        c.Payload,
	}
}

// IdempotencyKey is stable across retries of the same stage commit.
func (s Snapshot) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", s.WorkflowID, s.Stage, s.Version)
}

// Handler produces the artifact for one stage.
type Handler func(ctx context.Context, snap Snapshot) (domain.Artifact, error)

// AgentError is a handler failure tagged with its retry classification.
type AgentError struct {
	Stage domain.Stage
	Kind  domain.ErrorKind
	Err   error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *AgentError) Unwrap() error { return e.Err }

// ErrorKind implements domain.KindedError.
func (e *AgentError) ErrorKind() domain.ErrorKind { return e.Kind }

// Fail wraps err for stage, keeping its classification.
func Fail(stage domain.Stage, err error) error {
	if err == nil {
		return nil
	}
	var ae *AgentError
	if errors.As(err, &ae) {
		return err
	}
	return &AgentError{Stage: stage, Kind: resilience.Classify(err), Err: err}
}

// Invalid is a permanent failure caused by the workflow's own data.
func Invalid(stage domain.Stage, format string, args ...any) error {
	return &AgentError{
		Stage: stage,
		Kind:  domain.KindPermanent,
		Err:   fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...)),
	}
}

// ErrNoHandler is returned by Lookup for an unbound stage.
var ErrNoHandler = errors.New("no handler registered")

// Registry maps stages to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.Stage]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.Stage]Handler)}
}

// Register binds h to stage, replacing any previous binding.
func (r *Registry) Register(stage domain.Stage, h Handler) error {
	if !stage.Valid() {
		return domain.NewValidationError("stage", fmt.Sprintf("unknown stage %q", stage))
	}
	if h == nil {
		return domain.NewValidationError("handler", "must not be nil")
	}
	r.mu.Lock()
	r.handlers[stage] = h
	r.mu.Unlock()
	return nil
}

// Lookup returns the handler for stage.
func (r *Registry) Lookup(stage domain.Stage) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[stage]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for stage %q", ErrNoHandler, stage)
	}
	return h, nil
}

// Validate checks that every pipeline stage has a handler.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []error
	for _, s := range domain.Stages {
		if _, ok := r.handlers[s]; !ok {
			missing = append(missing, fmt.Errorf("%w for stage %q", ErrNoHandler, s))
		}
	}
	return errors.Join(missing...)
}
