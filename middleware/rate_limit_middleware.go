package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hub-rpc/message"
)

const errRateLimited = "rate limit exceeded"

// RateLimitMiddleware rejects invocations beyond r per second with bursts of burst,
// using a token bucket shared by every connection of the server.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Completion {
			if !limiter.Allow() {
				return failed(inv, errRateLimited)
			}
			return next(ctx, inv)
		}
	}
}
