package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the kind of progress a notification reports.
type EventStatus string

const (
	EventStatusStarted     EventStatus = "started"
	EventStatusAdvanced    EventStatus = "advanced"
	EventStatusCompleted   EventStatus = "completed"
	EventStatusStageFailed EventStatus = "stage_failed"
	EventStatusFailed      EventStatus = "failed"
	EventStatusCancelled   EventStatus = "cancelled"
	EventStatusRetriggered EventStatus = "retriggered"
)

// IsTerminal reports whether no further events follow for the workflow.
func (s EventStatus) IsTerminal() bool {
	switch s {
	case EventStatusCompleted, EventStatusFailed, EventStatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressEvent is a best-effort notification about committed workflow state.
// It is never the source of truth: clients re-query the workflow when in doubt.
type ProgressEvent struct {
	WorkflowID     uuid.UUID   `json:"workflow_id"`
	ConversationID string      `json:"conversation_id"`
	Stage          Stage       `json:"stage"`
	Status         EventStatus `json:"status"`
	Message        string      `json:"message,omitempty"`
	Version        int64       `json:"version"`
	Timestamp      time.Time   `json:"timestamp"`
}

// NewProgressEvent builds an event from committed workflow state.
func NewProgressEvent(w *WorkflowState, stage Stage, status EventStatus, message string) ProgressEvent {
	return ProgressEvent{
		WorkflowID:     w.ID,
		ConversationID: w.ConversationID,
		Stage:          stage,
		Status:         status,
		Message:        message,
		Version:        w.Version,
		Timestamp:      w.UpdatedAt,
	}
}

// Event type constants for the external event stream.
const (
	EventTypeWorkflowProgress = "workflow.progress"
	AggregateTypeWorkflow     = "workflow"
)

// EventEnvelope wraps a progress event for the external event stream.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventVersion  int             `json:"event_version"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewEventEnvelope wraps ev. The payload is JSON-serialized automatically.
func NewEventEnvelope(source string, ev ProgressEvent) (*EventEnvelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	return &EventEnvelope{
		EventID:       uuid.New().String(),
		EventVersion:  1,
		AggregateID:   ev.WorkflowID.String(),
		AggregateType: AggregateTypeWorkflow,
		EventType:     EventTypeWorkflowProgress,
		Source:        source,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// WithMetadata sets the metadata on the envelope.
func (e *EventEnvelope) WithMetadata(metadata map[string]any) *EventEnvelope {
	e.Metadata = metadata
	return e
}
