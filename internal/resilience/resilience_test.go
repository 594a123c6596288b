package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected domain.ErrorKind
	}{
		{"nil", nil, domain.KindPermanent},
		{"conflict error", domain.NewConflictError("wf", domain.StagePlanning, 1, 2, "stale"), domain.KindConflict},
		{"wrapped conflict sentinel", fmt.Errorf("advance: %w", domain.ErrConflict), domain.KindConflict},
		{"exhausted", fmt.Errorf("stage: %w", domain.ErrExhausted), domain.KindExhausted},
		{"external 503", domain.NewExternalAPIError("openalex", 503, "down", nil), domain.KindTransient},
		{"external 401", domain.NewExternalAPIError("openalex", 401, "bad key", nil), domain.KindPermanent},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), domain.KindTransient},
		{"cancelled", context.Canceled, domain.KindPermanent},
		{"rate limited", domain.NewRateLimitError("openai", time.Second), domain.KindTransient},
		{"validation", domain.NewValidationError("payload", "empty"), domain.KindPermanent},
		{"not found", domain.NewNotFoundError("workflow", "x"), domain.KindPermanent},
		{"permanent wrapper", Permanent(errors.New("connection reset")), domain.KindPermanent},
		{"timeout substring", errors.New("dial tcp: i/o timeout"), domain.KindTransient},
		{"bad request substring", errors.New("upstream said bad request"), domain.KindPermanent},
		{"author is not auth", errors.New("author missing"), domain.KindTransient},
		{"unknown defaults transient", errors.New("something odd"), domain.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestBackoff_CeilingGrowsAndCaps(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Ceiling(0))
	assert.Equal(t, 200*time.Millisecond, b.Ceiling(1))
	assert.Equal(t, 800*time.Millisecond, b.Ceiling(3))
	assert.Equal(t, time.Second, b.Ceiling(4))
	assert.Equal(t, time.Second, b.Ceiling(60))
}

func TestBackoff_DelayWithinJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.5}

	for attempt := 0; attempt < 6; attempt++ {
		ceiling := b.Ceiling(attempt)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, ceiling/2)
			assert.LessOrEqual(t, d, ceiling)
		}
	}
}

func TestBackoff_NoJitterIsDeterministic(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Multiplier: 3}
	assert.Equal(t, 450*time.Millisecond, b.Delay(2))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{
		Name:        "search",
		MaxAttempts: 3,
		Backoff:     DefaultBackoff(),
		Sleep:       noSleep,
		Logger:      zerolog.Nop(),
	}, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return domain.NewExternalAPIError("openalex", 502, "bad gateway", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Name: "search", MaxAttempts: 5, Sleep: noSleep}, func(context.Context, int) error {
		calls++
		return domain.NewValidationError("query", "empty")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	assert.Contains(t, err.Error(), "search:")
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Name: "search", MaxAttempts: 2, Sleep: noSleep}, func(context.Context, int) error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, domain.ErrServiceUnavailable)
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "attempt 2")
}

func TestRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{
		Name:        "search",
		MaxAttempts: 5,
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		},
	}, func(context.Context, int) error {
		calls++
		return domain.ErrServiceUnavailable
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "cancelled during retry backoff")
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
