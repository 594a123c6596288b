// Package notify delivers workflow progress events to interested parties.
//
// The Bus fans an event out to every configured Sink: the in-process Hub that
// backs event-stream subscriptions, Postgres NOTIFY for cross-process delivery
// and a Kafka topic for external consumers. Delivery is best-effort. A failing
// sink is logged and counted but never fails the state change that produced
// the event, and clients that need certainty re-read the workflow.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

// Sink is one delivery channel for progress events.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Send delivers one event.
	Send(ctx context.Context, ev domain.ProgressEvent) error
}

// Bus publishes events to a fixed set of sinks.
type Bus struct {
	sinks   []Sink
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewBus creates a Bus. Nil sinks are ignored.
func NewBus(logger zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *Bus {
	b := &Bus{
		logger:  logger.With().Str("component", "notify_bus").Logger(),
		metrics: metrics,
	}
	for _, s := range sinks {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
	return b
}

// Sinks returns the names of the configured sinks.
func (b *Bus) Sinks() []string {
	names := make([]string, len(b.sinks))
	for i, s := range b.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish sends ev to every sink in order. It never returns an error.
func (b *Bus) Publish(ctx context.Context, ev domain.ProgressEvent) {
	for _, s := range b.sinks {
		if err := s.Send(ctx, ev); err != nil {
			b.metrics.RecordNotificationFailed(s.Name())
			b.logger.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("workflow_id", ev.WorkflowID.String()).
				Str("stage", string(ev.Stage)).
				Str("status", string(ev.Status)).
				Msg("failed to deliver progress event")
			continue
		}
		b.metrics.RecordNotificationPublished(s.Name())
	}
}
