package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

// DefaultChannel is the Postgres NOTIFY channel carrying progress events.
const DefaultChannel = "workflow_events"

// maxNotifyPayload stays under the 8000 byte NOTIFY payload limit.
const maxNotifyPayload = 7900

// Execer is the subset of database.DBTX the Postgres sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgSink publishes events with pg_notify so that every process listening on
// the channel can forward them to its own subscribers.
type PgSink struct {
	db      Execer
	channel string
}

// NewPgSink creates a PgSink. An empty channel uses DefaultChannel.
func NewPgSink(db Execer, channel string) *PgSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PgSink{db: db, channel: channel}
}

// Name implements Sink.
func (s *PgSink) Name() string { return "postgres" }

// Send implements Sink.
func (s *PgSink) Send(ctx context.Context, ev domain.ProgressEvent) error {
	payload, err := encodeNotifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, "SELECT pg_notify($1, $2)", s.channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", s.channel, err)
	}
	return nil
}

// encodeNotifyPayload marshals ev, shortening the message when the payload
// would exceed the NOTIFY limit.
func encodeNotifyPayload(ev domain.ProgressEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal progress event: %w", err)
	}
	if len(data) <= maxNotifyPayload {
		return string(data), nil
	}

	over := len(data) - maxNotifyPayload
	if over >= len(ev.Message) {
		ev.Message = ""
	} else {
		ev.Message = truncateUTF8(ev.Message, len(ev.Message)-over-len("..."))
		ev.Message += "..."
	}
	data, err = json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal progress event: %w", err)
	}
	return string(data), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Acquirer hands out dedicated pool connections. *pgxpool.Pool and
// *database.DB satisfy it.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// PgListener LISTENs on the event channel and forwards every notification to
// a local sink, normally the Hub. A lost connection is re-established with
// backoff.
type PgListener struct {
	db      Acquirer
	channel string
	target  Sink
	backoff resilience.Backoff
	logger  zerolog.Logger

	// onListen is called after each successful LISTEN. Tests use it to
	// synchronize with the listener.
	onListen func()
}

// ListenerConfig configures a PgListener.
type ListenerConfig struct {
	// Channel defaults to DefaultChannel.
	Channel string
	// Backoff controls reconnect delays. Zero uses 500ms doubling to 30s.
	Backoff resilience.Backoff
	Logger  zerolog.Logger
}

// NewPgListener creates a PgListener that forwards to target.
func NewPgListener(db Acquirer, target Sink, cfg ListenerConfig) *PgListener {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = resilience.Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	return &PgListener{
		db:      db,
		channel: cfg.Channel,
		target:  target,
		backoff: cfg.Backoff,
		logger:  cfg.Logger.With().Str("component", "pg_listener").Str("channel", cfg.Channel).Logger(),
	}
}

// Run listens until ctx is cancelled. It returns nil on cancellation.
func (l *PgListener) Run(ctx context.Context) error {
	l.logger.Info().Msg("starting notification listener")

	failures := 0
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			l.logger.Info().Msg("notification listener stopped")
			return nil
		}
		if connected {
			failures = 0
		}

		delay := l.backoff.Delay(failures)
		failures++
		l.logger.Warn().
			Err(err).
			Int("failures", failures).
			Dur("retry_in", delay).
			Msg("notification listener disconnected, reconnecting")

		if err := resilience.SleepContext(ctx, delay); err != nil {
			l.logger.Info().Msg("notification listener stopped")
			return nil
		}
	}
}

// listen holds one connection until it fails. connected reports whether
// LISTEN succeeded.
func (l *PgListener) listen(ctx context.Context) (connected bool, err error) {
	conn, err := l.db.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	channel := pgx.Identifier{l.channel}.Sanitize()
	pgConn := conn.Conn()
	if _, err := pgConn.Exec(ctx, "LISTEN "+channel); err != nil {
		return false, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	defer func() {
		unlistenCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = pgConn.Exec(unlistenCtx, "UNLISTEN "+channel)
	}()

	l.logger.Debug().Msg("listening for progress events")
	if l.onListen != nil {
		l.onListen()
	}

	for {
		n, err := pgConn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}

		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			l.logger.Warn().Err(err).Msg("failed to parse notification payload")
			continue
		}
		if err := l.target.Send(ctx, ev); err != nil {
			l.logger.Warn().Err(err).
				Str("workflow_id", ev.WorkflowID.String()).
				Msg("failed to forward progress event")
		}
	}
}
