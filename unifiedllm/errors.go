package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SDKError is the base error type for all model errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by a model provider.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }
type QuotaExceededError struct{ ProviderError }

// GuardrailError is a provider-side content policy rejection. It is final:
// retrying the same request yields the same verdict.
type GuardrailError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type InvalidToolCallError struct{ SDKError }
type ConfigurationError struct{ SDKError }

// StreamInterruptedError means the stream ended before a finish event.
// Partial output is discarded and the whole request is retried.
type StreamInterruptedError struct{ SDKError }

// ErrorFromStatusCode maps an HTTP status code to the appropriate error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, retryAfter time.Duration) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		RetryAfter: retryAfter,
	}

	switch statusCode {
	case 400, 422:
		if errorCode == "content_filter" || errorCode == "content_policy_violation" {
			return &GuardrailError{ProviderError: pe}
		}
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 402:
		return &QuotaExceededError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		// Unknown errors default to retryable.
		pe.Retryable = true
		return &pe
	}
}

// IsRetryable reports whether err is safe to retry. Wrapped errors are
// classified by the first typed error in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		guardrail *GuardrailError
		auth      *AuthenticationError
		denied    *AccessDeniedError
		notFound  *NotFoundError
		invalid   *InvalidRequestError
		length    *ContextLengthError
		quota     *QuotaExceededError
		config    *ConfigurationError
		badCall   *InvalidToolCallError
		abort     *AbortError
		rate      *RateLimitError
		server    *ServerError
		network   *NetworkError
		stream    *StreamInterruptedError
		timeout   *RequestTimeoutError
		provider  *ProviderError
	)
	switch {
	case errors.As(err, &guardrail), errors.As(err, &auth), errors.As(err, &denied),
		errors.As(err, &notFound), errors.As(err, &invalid), errors.As(err, &length),
		errors.As(err, &quota), errors.As(err, &config), errors.As(err, &abort):
		return false
	case errors.As(err, &rate), errors.As(err, &server), errors.As(err, &network),
		errors.As(err, &stream), errors.As(err, &timeout), errors.As(err, &badCall):
		return true
	case errors.As(err, &provider):
		return provider.Retryable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		// Unknown errors default to retryable.
		return true
	}
}

// IsGuardrail reports whether err is a content policy rejection.
func IsGuardrail(err error) bool {
	var g *GuardrailError
	return errors.As(err, &g)
}

// IsConnectivity reports whether err means the provider could not be
// reached at all, as opposed to the provider refusing the request.
func IsConnectivity(err error) bool {
	var (
		network *NetworkError
		stream  *StreamInterruptedError
		timeout *RequestTimeoutError
	)
	return errors.As(err, &network) || errors.As(err, &stream) || errors.As(err, &timeout)
}

// retryAfter extracts a server-provided delay from a rate limit error.
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
