package unifiedllm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimit returns middleware that waits on limiter before each provider
// request. Waiting ends early, with the context's error, on cancellation.
func RateLimit(limiter *rate.Limiter) (Middleware, StreamMiddleware) {
	complete := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "rate limit wait cancelled", Cause: err}}
		}
		return next(ctx, req)
	}
	stream := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "rate limit wait cancelled", Cause: err}}
		}
		return next(ctx, req)
	}
	return complete, stream
}

// WithRateLimit throttles every request the client sends to rps requests
// per second with the given burst. A non-positive rps disables it.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		mw, smw := RateLimit(rate.NewLimiter(rate.Limit(rps), burst))
		c.middleware = append(c.middleware, mw)
		c.streamMW = append(c.streamMW, smw)
	}
}
