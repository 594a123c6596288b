package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider names accepted by NewProvider and fallback orders.
const (
	ProviderOpenAI     = "openai"
	ProviderAnthropic  = "anthropic"
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderGroq       = "groq"
	ProviderGLM        = "glm"
)

const (
	idempotencyHeader   = "Idempotency-Key"
	maxResponseBodySize = 10 << 20
	defaultHTTPTimeout  = 120 * time.Second
)

// ProviderConfig holds the parameters needed to create a Provider.
// This is defined in the llm package to avoid importing the config package,
// keeping the llm package free of infrastructure dependencies.
type ProviderConfig struct {
	// Name is the provider name (one of the Provider* constants).
	Name string
	// APIKey is the provider API key.
	APIKey string
	// Model is the model identifier. Empty selects the provider default.
	Model string
	// BaseURL is the API base URL. Empty selects the provider default.
	BaseURL string
	// Timeout bounds the HTTP client. The gateway applies its own per-call
	// deadline on top.
	Timeout time.Duration
	// Capabilities is what the configured model supports.
	Capabilities Capabilities
}

// NewProvider creates a Provider based on cfg.Name. Returns an error for
// unsupported or empty provider names.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	switch cfg.Name {
	case ProviderOpenAI, ProviderOpenRouter, ProviderGroq, ProviderGLM:
		return NewOpenAIProvider(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Name)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// postJSON sends body as JSON and returns the status code and the (bounded)
// response body. Transport failures are returned as network APIErrors, except
// when ctx is done, in which case the context error is wrapped.
func postJSON(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: failed to marshal request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("%s: failed to create request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, fmt.Errorf("%s: request failed: %w", provider, ctx.Err())
		}
		return 0, nil, networkError(provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return 0, nil, networkError(provider, fmt.Errorf("failed to read response body: %w", err))
	}
	return resp.StatusCode, respBody, nil
}
