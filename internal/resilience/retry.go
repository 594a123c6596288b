package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Policy configures Retry.
type Policy struct {
	// Name identifies the operation in logs.
	Name string

	// MaxAttempts is the total number of attempts including the first. Values
	// below 1 are treated as 1.
	MaxAttempts int

	// Backoff computes the delay between attempts.
	Backoff Backoff

	// Sleep waits between attempts. Nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// Logger receives one debug line per failed attempt.
	Logger zerolog.Logger
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempts are spent. The last error is returned wrapped with the policy name.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		p.Logger.Debug().
			Err(err).
			Str("operation", p.Name).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Str("error_kind", kind.String()).
			Msg("attempt failed")

		if !IsTransient(err) || attempt == attempts {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: context done: %w", p.Name, err)
		}
		if sleepErr := sleep(ctx, p.Backoff.Delay(attempt-1)); sleepErr != nil {
			return fmt.Errorf("%s: cancelled during retry backoff: %w", p.Name, err)
		}
	}
	return fmt.Errorf("%s: %w", p.Name, lastErr)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
