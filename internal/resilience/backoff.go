package resilience

import (
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays with jitter, capped at Max.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the delay. Zero means no cap.
	Max time.Duration

	// Multiplier controls exponential growth. Values below 1 are treated as 2.
	Multiplier float64

	// Jitter is the fraction of the delay that is randomized, in [0, 1].
	// With 0.5 a 4s delay becomes a uniform value in [2s, 4s].
	Jitter float64
}

// DefaultBackoff returns the shared default: 1s base, 30s cap, doubling, half jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.5,
	}
}

// Ceiling returns the un-jittered delay for the given retry (0-indexed).
func (b Backoff) Ceiling(attempt int) time.Duration {
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		next := time.Duration(float64(d) * mult)
		if next < d {
			break
		}
		if b.Max > 0 && next > b.Max {
			d = b.Max
			break
		}
		d = next
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Delay returns the jittered delay for the given retry (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Ceiling(attempt)
	j := b.Jitter
	if j <= 0 || d <= 0 {
		return d
	}
	if j > 1 {
		j = 1
	}
	spread := time.Duration(float64(d) * j)
	if spread <= 0 {
		return d
	}
	return d - spread + rand.N(spread+1)
}
