// Package resilience provides error classification, exponential backoff with
// jitter, and a generic retry loop shared by the LLM gateway, the job
// dispatcher and the stage handlers' external collaborators.
package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/SampleBias/Oxidized-Bio/internal/domain"
)

// transientSubstrings are error message substrings that indicate a transient failure
// when the error is not already classified by a structured error type.
var transientSubstrings = []string{
	"timeout",
	"network",
	"connection refused",
	"connection reset",
	"rate limit",
	"rate_limit",
	"server_error",
	"service unavailable",
	"overloaded",
	"temporary",
	"deadline exceeded",
	"i/o timeout",
}

// permanentSubstrings indicate a permanent failure.
// "unauthorized" is used instead of "auth" (which would match "author"), and
// "invalid request"/"invalid parameter" instead of bare "invalid".
var permanentSubstrings = []string{
	"unauthorized",
	"authentication failed",
	"authorization failed",
	"forbidden",
	"bad_request",
	"bad request",
	"not_found",
	"not found",
	"invalid_input",
	"invalid request",
	"invalid parameter",
	"unsupported format",
	"validation",
	"content_filter",
}

// Classify inspects err and returns its domain.ErrorKind.
//
// Classification priority:
//  1. Nil errors: Permanent (callers should not retry nil)
//  2. Errors implementing domain.KindedError, outermost first
//  3. Context deadline: Transient. Context cancellation: Permanent
//  4. Domain sentinel errors
//  5. Error message substring matching (transient checked first)
//  6. Default: Transient
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.KindPermanent
	}

	var kinded domain.KindedError
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrCancelled) {
		return domain.KindPermanent
	}

	switch {
	case errors.Is(err, domain.ErrConflict):
		return domain.KindConflict
	case errors.Is(err, domain.ErrExhausted):
		return domain.KindExhausted
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrServiceUnavailable):
		return domain.KindTransient
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrForbidden):
		return domain.KindPermanent
	}

	msg := strings.ToLower(err.Error())

	// Transient substrings are checked before permanent: when in doubt, retry.
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return domain.KindTransient
		}
	}

	for _, sub := range permanentSubstrings {
		if strings.Contains(msg, sub) {
			return domain.KindPermanent
		}
	}

	return domain.KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == domain.KindTransient
}

// PermanentError marks an otherwise unclassified error as not retryable.
type PermanentError struct {
	Err error
}

// Permanent wraps err so that Classify reports KindPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// ErrorKind implements domain.KindedError.
func (e *PermanentError) ErrorKind() domain.ErrorKind {
	return domain.KindPermanent
}
