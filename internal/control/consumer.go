// Package control consumes workflow control commands from Kafka and applies
// them through the workflow engine. Other services use it to cancel a
// workflow or retrigger a failed stage without calling the HTTP API.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// Command names accepted on the control topic.
const (
	CommandCancel    = "cancel"
	CommandRetrigger = "retrigger"
)

// Command is one control message.
type Command struct {
	Command    string `json:"command"`
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage,omitempty"`
	// RequestedBy is informational and only logged.
	RequestedBy string `json:"requested_by,omitempty"`
}

// Engine is the subset of the workflow engine commands are applied to.
type Engine interface {
	Cancel(ctx context.Context, id uuid.UUID) (*domain.WorkflowState, error)
	Retrigger(ctx context.Context, id uuid.UUID, stage domain.Stage) (*domain.WorkflowState, error)
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Config holds configuration for the control consumer.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string
	// Topic is the Kafka topic for control commands.
	Topic string
	// GroupID is the consumer group ID.
	GroupID string
}

// Consumer reads commands and dispatches them to the engine.
type Consumer struct {
	reader MessageReader
	engine Engine
	logger zerolog.Logger
}

// NewConsumer creates a consumer backed by a kafka-go group reader.
func NewConsumer(cfg Config, engine Engine, logger zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  3 * time.Second,
	})
	return NewConsumerWithReader(reader, engine, logger)
}

// NewConsumerWithReader creates a consumer over an existing reader.
func NewConsumerWithReader(reader MessageReader, engine Engine, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader: reader,
		engine: engine,
		logger: logger.With().Str("component", "control_consumer").Logger(),
	}
}

// Run starts the consumer loop. Blocks until context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("starting control consumer")

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("control consumer stopped via context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info().Msg("control consumer stopped, reader closed")
				return nil
			}
			c.logger.Error().Err(err).Msg("failed to read message from Kafka")
			continue
		}

		c.logger.Debug().
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("received control command")

		cmd, err := ParseCommand(msg.Value)
		if err != nil {
			c.logger.Error().Err(err).
				Str("raw_value", string(msg.Value)).
				Msg("skipping malformed control command")
			continue
		}

		if err := c.Handle(ctx, cmd); err != nil {
			c.logger.Error().Err(err).
				Str("command", cmd.Command).
				Str("workflow_id", cmd.WorkflowID).
				Str("stage", cmd.Stage).
				Msg("failed to apply control command")
		}
	}
}

// ParseCommand decodes and validates a control message.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	cmd.Command = strings.ToLower(strings.TrimSpace(cmd.Command))

	if _, err := uuid.Parse(cmd.WorkflowID); err != nil {
		return Command{}, domain.NewValidationError("workflow_id", "must be a UUID")
	}
	switch cmd.Command {
	case CommandCancel:
	case CommandRetrigger:
		if _, err := domain.ParseStage(cmd.Stage); err != nil {
			return Command{}, err
		}
	default:
		return Command{}, domain.NewValidationError("command", fmt.Sprintf("unknown command %q", cmd.Command))
	}
	return cmd, nil
}

// Handle applies a parsed command.
func (c *Consumer) Handle(ctx context.Context, cmd Command) error {
	id, err := uuid.Parse(cmd.WorkflowID)
	if err != nil {
		return domain.NewValidationError("workflow_id", "must be a UUID")
	}
	log := c.logger.With().
		Str("workflow_id", cmd.WorkflowID).
		Str("command", cmd.Command).
		Str("requested_by", cmd.RequestedBy).
		Logger()

	switch cmd.Command {
	case CommandCancel:
		w, err := c.engine.Cancel(ctx, id)
		if err != nil {
			return fmt.Errorf("cancel workflow: %w", err)
		}
		log.Info().Str("status", string(w.Status)).Msg("workflow cancelled by control command")
	case CommandRetrigger:
		stage, err := domain.ParseStage(cmd.Stage)
		if err != nil {
			return err
		}
		if _, err := c.engine.Retrigger(ctx, id, stage); err != nil {
			return fmt.Errorf("retrigger stage %s: %w", stage, err)
		}
		log.Info().Str("stage", string(stage)).Msg("stage retriggered by control command")
	default:
		return domain.NewValidationError("command", fmt.Sprintf("unknown command %q", cmd.Command))
	}
	return nil
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	c.logger.Info().Msg("closing control consumer")
	return c.reader.Close()
}
