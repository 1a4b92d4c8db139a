package unifiedllm

import (
	"time"

	"github.com/martinemde/warden/retry"
)

// DefaultRetryPolicy returns the policy for model calls: three attempts,
// exponential backoff with jitter, Retry-After honored for rate limits, and
// no retries for errors IsRetryable rejects.
func DefaultRetryPolicy() retry.Policy {
	p := retry.Default()
	p.MaxDelay = 60 * time.Second
	return WithModelClassification(p)
}

// WithModelClassification installs the model error classifier and
// Retry-After handling on p.
func WithModelClassification(p retry.Policy) retry.Policy {
	p.Retryable = IsRetryable
	p.Hint = retryAfter
	return p
}
