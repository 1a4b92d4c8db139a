// Package retry runs fallible operations with exponential backoff.
//
// It backs both the model client (rate limits, transient provider failures,
// dropped streams) and the best-effort backend collaborators (history,
// artifact and telemetry uploads).
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy configures retry behavior with exponential backoff.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap for any single delay
	Multiplier  float64       // exponential backoff factor
	Jitter      bool          // scale each delay by a random factor in [0.5, 1.5)

	// Retryable reports whether err is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(err error) bool

	// Hint returns a server-provided delay (Retry-After) for err, if any.
	// A hint larger than MaxDelay stops retrying.
	Hint func(err error) (time.Duration, bool)

	// OnRetry is called before sleeping. attempt is the 1-based number of
	// the attempt that is about to run minus one.
	OnRetry func(err error, attempt int, delay time.Duration)

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns three attempts with a one second base and jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Delay calculates the delay after attempt n (0-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// Do executes fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last error is returned unchanged so
// callers can classify it. If ctx ends while waiting, ctx.Err() is returned.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt == attempts-1 {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}

		delay := p.Delay(attempt)
		if p.Hint != nil {
			if hinted, ok := p.Hint(err); ok {
				if p.MaxDelay > 0 && hinted > p.MaxDelay {
					return zero, err
				}
				delay = hinted
			}
		}

		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}

		sleep := p.Sleep
		if sleep == nil {
			sleep = sleepContext
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
