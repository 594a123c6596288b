// Package llm provides the LLM gateway: a provider-neutral request model,
// capability negotiation, per-provider concurrency and rate limits, retry with
// backoff, and ordered fallback across OpenAI-compatible, Anthropic and Gemini
// providers.
package llm

import (
	"context"
	"fmt"
)

// Provider is a single LLM backend.
type Provider interface {
	// Name is the provider name used in fallback orders and metrics.
	Name() string
	// Model is the configured model identifier.
	Model() string
	// Capabilities reports what requests the provider can serve.
	Capabilities() Capabilities
	// Complete performs one call. It must not retry internally.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Capabilities is what a provider advertises.
type Capabilities struct {
	SupportsStreaming bool
	SupportsVision    bool
	// MaxContext is the context window in tokens. Zero means unknown and is
	// not checked.
	MaxContext int
}

// Satisfies reports whether the capabilities cover req, and why not.
func (c Capabilities) Satisfies(req Requirements) (bool, string) {
	if req.Vision && !c.SupportsVision {
		return false, "vision not supported"
	}
	if req.Streaming && !c.SupportsStreaming {
		return false, "streaming not supported"
	}
	if c.MaxContext > 0 && req.ContextTokens > c.MaxContext {
		return false, fmt.Sprintf("request needs ~%d tokens, context is %d", req.ContextTokens, c.MaxContext)
	}
	return true, ""
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the result of a successful completion.
type Response struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
	// Calls lists every provider attempt the gateway made, including failures.
	Calls []CallRecord `json:"calls,omitempty"`
}
