package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		retryable bool
	}{
		{400, "", false},
		{401, "", false},
		{402, "", false},
		{403, "", false},
		{404, "", false},
		{408, "", true},
		{413, "", false},
		{422, "", false},
		{429, "", true},
		{500, "", true},
		{502, "", true},
		{503, "", true},
		{504, "", true},
		{400, "content_filter", false},
		{418, "", true},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", tt.code, 0)
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d code %q: IsRetryable = %v, want %v", tt.status, tt.code, got, tt.retryable)
		}
	}
}

func TestErrorFromStatusCodeGuardrail(t *testing.T) {
	err := ErrorFromStatusCode(400, "blocked", "openai", "content_policy_violation", 0)
	if !IsGuardrail(err) {
		t.Errorf("expected guardrail error, got %T", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"access denied", &AccessDeniedError{}, false},
		{"not found", &NotFoundError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"context length", &ContextLengthError{}, false},
		{"quota exceeded", &QuotaExceededError{}, false},
		{"guardrail", &GuardrailError{}, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"rate limit", &RateLimitError{}, true},
		{"server error", &ServerError{}, true},
		{"network error", &NetworkError{}, true},
		{"stream interrupted", &StreamInterruptedError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"invalid tool call", &InvalidToolCallError{}, true},
		{"provider retryable", &ProviderError{Retryable: true}, true},
		{"provider final", &ProviderError{Retryable: false}, false},
		{"wrapped server", fmt.Errorf("turn: %w", &ServerError{}), true},
		{"wrapped guardrail", fmt.Errorf("turn: %w", &GuardrailError{}), false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestIsConnectivity(t *testing.T) {
	if !IsConnectivity(&NetworkError{}) || !IsConnectivity(&StreamInterruptedError{}) || !IsConnectivity(&RequestTimeoutError{}) {
		t.Error("network, stream and timeout errors are connectivity failures")
	}
	if IsConnectivity(&ServerError{}) || IsConnectivity(errors.New("x")) {
		t.Error("server errors and unknown errors are not connectivity failures")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := ErrorFromStatusCode(429, "slow down", "openai", "", 3*time.Second)
	d, ok := retryAfter(err)
	if !ok || d != 3*time.Second {
		t.Errorf("retryAfter = %v, %v", d, ok)
	}
	if _, ok := retryAfter(&ServerError{}); ok {
		t.Error("server errors carry no hint")
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &SDKError{Message: "wrapper", Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("expected SDKError to unwrap to its cause")
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
