package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

const defaultUserAgent = "Oxidized-Bio/1.0"

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the upstream in errors and metrics.
	Source string

	// Timeout is the per-request timeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Backoff computes the delay between retries when the server sends no
	// Retry-After header.
	Backoff resilience.Backoff

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// APIKey is sent in APIKeyHeader when both are set.
	APIKey       string
	APIKeyHeader string

	// Sleep replaces resilience.SleepContext in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	Metrics *observability.Metrics
}

// HTTPClient wraps http.Client with rate limiting and retries on 429 and 5xx.
// It is safe for concurrent use.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	config  HTTPClientConfig
}

// NewHTTPClient creates a rate-limited HTTP client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = resilience.Backoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Sleep == nil {
		cfg.Sleep = resilience.SleepContext
	}

	return &HTTPClient{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.BurstSize),
		config:  cfg,
	}
}

// Do executes req, waiting on the rate limiter before every attempt.
//
// Network errors, 429 and 5xx responses are retried up to MaxRetries times,
// honouring Retry-After. When retries run out the result is a
// *domain.RateLimitError for 429 and a *domain.ExternalAPIError otherwise,
// both of which classify as transient. Any other response is returned as is
// and the caller owns its body.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := resetRequestBody(req); err != nil {
				return nil, fmt.Errorf("cannot retry request: %w", err)
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.NewRateLimitError(c.config.Source, 0)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = domain.NewExternalAPIError(c.config.Source, 0, "request failed", err)
			if attempt < c.config.MaxRetries {
				if err := c.config.Sleep(ctx, c.config.Backoff.Delay(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		if !shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		delay, hinted := c.retryDelay(resp, attempt)
		drain(resp)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.config.Metrics.RecordSourceRateLimited(c.config.Source)
			lastErr = domain.NewRateLimitError(c.config.Source, delay)
		} else {
			lastErr = domain.NewExternalAPIError(c.config.Source, resp.StatusCode, http.StatusText(resp.StatusCode), nil)
		}
		if attempt < c.config.MaxRetries {
			if !hinted {
				delay = c.config.Backoff.Delay(attempt)
			}
			if err := c.config.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no response received")
	}
	return nil, lastErr
}

func shouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= 500 && statusCode < 600)
}

// retryDelay reads Retry-After as seconds or an HTTP date. The bool reports
// whether the header supplied the delay.
func (c *HTTPClient) retryDelay(resp *http.Response, attempt int) (time.Duration, bool) {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter != "" {
		if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second, true
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d, true
			}
		}
	}
	return c.config.Backoff.Ceiling(attempt), false
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
}

func resetRequestBody(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}
