// Package middleware wraps hub method handlers with cross-cutting behavior.
//
// Middlewares apply to non-streaming invocations only. Streaming invocations go
// straight to their method.
package middleware

import (
	"context"

	"hub-rpc/message"
)

// HandlerFunc serves one invocation and returns its completion. The completion is
// discarded by the server when the invocation carries no id.
type HandlerFunc func(ctx context.Context, inv *message.Invocation) *message.Completion

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one added runs outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failed(inv *message.Invocation, text string) *message.Completion {
	return message.NewCompletionError(inv.InvocationID, text)
}
