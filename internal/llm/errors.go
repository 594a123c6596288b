package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// ErrNoCapableProvider is returned before any call is made when no provider in
// the fallback order satisfies the request's requirements.
var ErrNoCapableProvider = errors.New("no provider satisfies request requirements")

// APIError represents an error returned by an LLM provider API.
type APIError struct {
	// Provider is the name of the LLM provider (e.g., "openai", "anthropic").
	Provider string
	// StatusCode is the HTTP status code returned by the API. Zero means no
	// HTTP response was received.
	StatusCode int
	// Message is the error message from the API.
	Message string
	// Type is the error type classification from the API.
	Type string
	// Code is the provider-specific error code (if available).
	Code string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: API error (status %d, type %s): %s", e.Provider, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
}

// IsTransient returns true if the error is a transient error that may succeed
// on retry. This includes timeouts (408), rate limiting (429), server errors
// (5xx), and network errors (StatusCode 0).
func (e *APIError) IsTransient() bool {
	return e.StatusCode == 0 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

// ErrorKind implements domain.KindedError.
func (e *APIError) ErrorKind() domain.ErrorKind {
	if e.IsTransient() {
		return domain.KindTransient
	}
	return domain.KindPermanent
}

// ProviderFailure records why one provider in the fallback order gave up.
type ProviderFailure struct {
	Provider string
	Attempts int
	Err      error
}

// AggregateFailure is returned when every provider in the order failed. It is
// permanent: the gateway has already spent its retries.
type AggregateFailure struct {
	Failures []ProviderFailure
}

// Error implements the error interface.
func (e *AggregateFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%d attempts): %v", f.Provider, f.Attempts, f.Err))
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes each provider's final error to errors.Is and errors.As.
func (e *AggregateFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// ErrorKind implements domain.KindedError.
func (e *AggregateFailure) ErrorKind() domain.ErrorKind {
	return domain.KindPermanent
}

// CapabilityError lists why each candidate provider was rejected.
type CapabilityError struct {
	Requirements Requirements
	Rejections   map[string]string
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for name, reason := range e.Rejections {
		parts = append(parts, name+": "+reason)
	}
	if len(parts) == 0 {
		return ErrNoCapableProvider.Error() + ": no providers configured"
	}
	return ErrNoCapableProvider.Error() + ": " + strings.Join(parts, "; ")
}

// Unwrap returns ErrNoCapableProvider.
func (e *CapabilityError) Unwrap() error {
	return ErrNoCapableProvider
}

// ErrorKind implements domain.KindedError.
func (e *CapabilityError) ErrorKind() domain.ErrorKind {
	return domain.KindPermanent
}

func networkError(provider string, err error) *APIError {
	return &APIError{
		Provider:   provider,
		StatusCode: 0,
		Message:    err.Error(),
		Type:       "network_error",
	}
}
