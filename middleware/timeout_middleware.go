package middleware

import (
	"context"
	"time"

	"hub-rpc/message"
)

const errTimedOut = "request timed out"

// TimeOutMiddleware cancels the handler's context after timeout and answers with an
// error completion without waiting for the handler to return.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Completion {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Completion, 1)
			go func() {
				done <- next(ctx, inv)
			}()

			select {
			case completion := <-done:
				return completion
			case <-ctx.Done():
				return failed(inv, errTimedOut)
			}
		}
	}
}
