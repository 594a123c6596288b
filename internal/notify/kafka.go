package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
)

// DefaultTopic is the Kafka topic progress events are published to.
const DefaultTopic = "workflow.events"

const defaultSource = "oxidized-bio"

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	// Source names the emitting service in the envelope. Defaults to
	// "oxidized-bio".
	Source string
}

// KafkaSink publishes progress events wrapped in a domain.EventEnvelope.
// Messages are keyed by workflow ID so a workflow's events stay ordered
// within a partition.
type KafkaSink struct {
	writer MessageWriter
	source string
	logger zerolog.Logger
}

// NewKafkaSink creates a sink backed by an asynchronous kafka-go writer.
// Write failures surface through the completion callback.
func NewKafkaSink(cfg KafkaConfig, logger zerolog.Logger, metrics *observability.Metrics) *KafkaSink {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	logger = logger.With().Str("component", "kafka_sink").Str("topic", cfg.Topic).Logger()

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			for range msgs {
				metrics.RecordNotificationFailed("kafka")
			}
			logger.Error().Err(err).Int("messages", len(msgs)).Msg("failed to write progress events to kafka")
		},
	}
	return NewKafkaSinkWithWriter(w, cfg.Source, logger)
}

// NewKafkaSinkWithWriter creates a sink over an existing writer.
func NewKafkaSinkWithWriter(w MessageWriter, source string, logger zerolog.Logger) *KafkaSink {
	if source == "" {
		source = defaultSource
	}
	return &KafkaSink{writer: w, source: source, logger: logger}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka" }

// Send implements Sink.
func (s *KafkaSink) Send(ctx context.Context, ev domain.ProgressEvent) error {
	env, err := domain.NewEventEnvelope(s.source, ev)
	if err != nil {
		return fmt.Errorf("build event envelope: %w", err)
	}

	meta := map[string]any{
		"conversation_id": ev.ConversationID,
		"stage":           string(ev.Stage),
		"status":          string(ev.Status),
	}
	if reqID := observability.RequestIDFromContext(ctx); reqID != "" {
		meta["correlation_id"] = reqID
	}
	env.WithMetadata(meta)

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "event_id", Value: []byte(env.EventID)},
		},
		Time: ev.Timestamp,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
