package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
	"github.com/SampleBias/Oxidized-Bio/internal/observability"
	"github.com/SampleBias/Oxidized-Bio/internal/resilience"
)

const defaultCallTimeout = 90 * time.Second

// Limits bounds concurrent and per-second calls to one provider.
type Limits struct {
	// MaxConcurrent caps in-flight calls. Zero or less means unbounded.
	MaxConcurrent int64
	// RatePerSecond caps call starts. Zero or less means unlimited.
	RatePerSecond float64
	// Burst is the limiter bucket size. Values below 1 are treated as 1.
	Burst int
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {
	// Order is the default fallback order. Empty uses registration order.
	Order []string
	// MaxAttempts is the number of attempts per provider, including the first.
	MaxAttempts int
	// Backoff computes the delay between attempts on the same provider.
	Backoff resilience.Backoff
	// CallTimeout is the deadline for a single provider call.
	CallTimeout time.Duration
	// Limits holds per-provider limits keyed by provider name.
	Limits map[string]Limits
	// Sleep overrides the backoff wait. Nil uses resilience.SleepContext.
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// CallRecord describes one provider attempt.
type CallRecord struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type gatewayEntry struct {
	provider Provider
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
}

// Gateway fronts a set of providers with capability negotiation, limits,
// retry and ordered fallback. It is safe for concurrent use.
type Gateway struct {
	cfg       GatewayConfig
	providers map[string]*gatewayEntry
	names     []string
}

// NewGateway creates a gateway over providers. Provider names must be unique.
func NewGateway(cfg GatewayConfig, providers ...Provider) (*Gateway, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	g := &Gateway{
		cfg:       cfg,
		providers: make(map[string]*gatewayEntry, len(providers)),
	}
	for _, p := range providers {
		name := p.Name()
		if _, dup := g.providers[name]; dup {
			return nil, fmt.Errorf("llm: duplicate provider %q", name)
		}
		entry := &gatewayEntry{provider: p}
		if l, ok := cfg.Limits[name]; ok {
			if l.MaxConcurrent > 0 {
				entry.sem = semaphore.NewWeighted(l.MaxConcurrent)
			}
			if l.RatePerSecond > 0 {
				burst := l.Burst
				if burst < 1 {
					burst = 1
				}
				entry.limiter = rate.NewLimiter(rate.Limit(l.RatePerSecond), burst)
			}
		}
		g.providers[name] = entry
		g.names = append(g.names, name)
	}
	for _, name := range cfg.Order {
		if _, ok := g.providers[name]; !ok {
			return nil, fmt.Errorf("llm: provider %q in fallback order is not configured", name)
		}
	}
	return g, nil
}

// Providers returns the registered provider names in registration order.
func (g *Gateway) Providers() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// Call is a request bound to the providers that can serve it.
type Call struct {
	g          *Gateway
	req        *Request
	candidates []*gatewayEntry
}

// Candidates returns the provider names the call will try, in order.
func (c *Call) Candidates() []string {
	out := make([]string, 0, len(c.candidates))
	for _, e := range c.candidates {
		out = append(out, e.provider.Name())
	}
	return out
}

// Prepare negotiates capabilities for req over order (or the configured
// default order). It fails with ErrNoCapableProvider before any call is made
// when no provider qualifies.
func (g *Gateway) Prepare(req *Request, order ...string) (*Call, error) {
	if req == nil {
		return nil, domain.NewValidationError("request", "is required")
	}
	if len(order) == 0 {
		order = g.cfg.Order
	}
	if len(order) == 0 {
		order = g.names
	}

	need := req.Requirements()
	rejections := make(map[string]string)
	var candidates []*gatewayEntry
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		entry, ok := g.providers[name]
		if !ok {
			rejections[name] = "not configured"
			continue
		}
		if ok, reason := entry.provider.Capabilities().Satisfies(need); !ok {
			rejections[name] = reason
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, &CapabilityError{Requirements: need, Rejections: rejections}
	}
	return &Call{g: g, req: req, candidates: candidates}, nil
}

// Invoke prepares and runs req.
func (g *Gateway) Invoke(ctx context.Context, req *Request, order ...string) (*Response, error) {
	call, err := g.Prepare(req, order...)
	if err != nil {
		return nil, err
	}
	return call.Invoke(ctx)
}

// Invoke tries each candidate in order. Transient errors are retried on the
// same provider; any other error moves on to the next one. When every
// provider fails an *AggregateFailure is returned.
func (c *Call) Invoke(ctx context.Context) (*Response, error) {
	g := c.g
	var (
		records  []CallRecord
		failures []ProviderFailure
	)

	for i, entry := range c.candidates {
		p := entry.provider
		logger := observability.WithProviderContext(g.cfg.Logger, p.Name(), p.Model())

		var (
			resp     *Response
			lastErr  error
			attempts int
		)
		err := resilience.Retry(ctx, resilience.Policy{
			Name:        "llm." + p.Name(),
			MaxAttempts: g.cfg.MaxAttempts,
			Backoff:     g.cfg.Backoff,
			Sleep:       g.cfg.Sleep,
			Logger:      logger,
		}, func(ctx context.Context, attempt int) error {
			attempts = attempt
			r, rec, err := g.callOnce(ctx, entry, c.req, attempt)
			records = append(records, rec)
			if err != nil {
				lastErr = err
				return err
			}
			resp = r
			return nil
		})
		if err == nil {
			resp.Calls = records
			g.cfg.Metrics.RecordLLMTokens(resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm: %w", ctx.Err())
		}
		if lastErr == nil {
			lastErr = err
		}
		failures = append(failures, ProviderFailure{Provider: p.Name(), Attempts: attempts, Err: lastErr})

		if i+1 < len(c.candidates) {
			next := c.candidates[i+1].provider.Name()
			g.cfg.Metrics.RecordLLMFallback(next)
			logger.Warn().
				Err(lastErr).
				Int("attempts", attempts).
				Str("next_provider", next).
				Msg("provider failed, falling back")
		}
	}

	g.cfg.Metrics.RecordLLMAggregateFailure()
	g.cfg.Logger.Error().
		Int("providers", len(failures)).
		Msg("all LLM providers failed")
	return nil, &AggregateFailure{Failures: failures}
}

// callOnce performs one limited, deadline-bounded call.
func (g *Gateway) callOnce(ctx context.Context, entry *gatewayEntry, req *Request, attempt int) (*Response, CallRecord, error) {
	p := entry.provider
	rec := CallRecord{Provider: p.Name(), Model: p.Model(), Attempt: attempt}
	if req.Model != "" {
		rec.Model = req.Model
	}

	if entry.sem != nil {
		if err := entry.sem.Acquire(ctx, 1); err != nil {
			rec.Error = err.Error()
			return nil, rec, fmt.Errorf("%s: waiting for concurrency slot: %w", p.Name(), err)
		}
		defer entry.sem.Release(1)
	}
	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			rec.Error = err.Error()
			if ctx.Err() != nil {
				return nil, rec, fmt.Errorf("%s: waiting for rate limiter: %w", p.Name(), ctx.Err())
			}
			return nil, rec, fmt.Errorf("%s: %w", p.Name(), domain.NewRateLimitError(p.Name(), 0))
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Complete(callCtx, req)
	rec.Duration = time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = &APIError{
			Provider: p.Name(),
			Message:  fmt.Sprintf("call exceeded %s deadline", g.cfg.CallTimeout),
			Type:     "timeout",
		}
	}

	outcome := "success"
	if err != nil {
		outcome = resilience.Classify(err).String()
		rec.Error = err.Error()
	}
	g.cfg.Metrics.RecordLLMAttempt(p.Name(), rec.Model, outcome, rec.Duration.Seconds())
	g.cfg.Logger.Debug().
		Str("provider", p.Name()).
		Str("model", rec.Model).
		Int("attempt", attempt).
		Dur("duration", rec.Duration).
		Str("outcome", outcome).
		Msg("llm call")

	if err != nil {
		return nil, rec, err
	}
	return resp, rec, nil
}
