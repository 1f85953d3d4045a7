package middleware

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"hub-rpc/message"
)

func echoHandler(ctx context.Context, inv *message.Invocation) *message.Completion {
	return message.NewCompletionResult(inv.InvocationID, "ok")
}

func slowHandler(ctx context.Context, inv *message.Invocation) *message.Completion {
	time.Sleep(200 * time.Millisecond)
	return message.NewCompletionResult(inv.InvocationID, "ok")
}

func newInvocation() *message.Invocation {
	return &message.Invocation{InvocationID: "1", Target: "Add", Arguments: []any{1, 2}}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), newInvocation())
	require.NotNil(t, resp)
	assert.Equal(t, "ok", resp.Result)

	entries := logs.FilterMessage("invocation served").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Add", entries[0].ContextMap()["target"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	failing := func(ctx context.Context, inv *message.Invocation) *message.Completion {
		return message.NewCompletionError(inv.InvocationID, "boom")
	}
	LoggingMiddleware(zap.New(core))(failing)(context.Background(), newInvocation())
	assert.Equal(t, 1, logs.FilterMessage("invocation failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	resp := handler(context.Background(), newInvocation())
	assert.Empty(t, resp.Error)
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	resp := handler(context.Background(), newInvocation())
	assert.Equal(t, "request timed out", resp.Error)
	assert.Equal(t, "1", resp.InvocationID)
}

func TestRateLimit(t *testing.T) {
	// One token per second with a burst of two.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), newInvocation())
		require.Empty(t, resp.Error, "request %d", i)
	}
	resp := handler(context.Background(), newInvocation())
	assert.Equal(t, "rate limit exceeded", resp.Error)
}

func TestRetry(t *testing.T) {
	var calls atomic.Int32
	flaky := func(ctx context.Context, inv *message.Invocation) *message.Completion {
		if calls.Add(1) < 3 {
			return message.NewCompletionError(inv.InvocationID, "dial tcp: connection refused")
		}
		return message.NewCompletionResult(inv.InvocationID, 3)
	}

	resp := RetryMiddleware(3, time.Millisecond, nil)(flaky)(context.Background(), newInvocation())
	assert.Empty(t, resp.Error)
	assert.Equal(t, 3, resp.Result)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var calls atomic.Int32
	down := func(ctx context.Context, inv *message.Invocation) *message.Completion {
		calls.Add(1)
		return message.NewCompletionError(inv.InvocationID, "request timed out")
	}

	resp := RetryMiddleware(2, time.Millisecond, nil)(down)(context.Background(), newInvocation())
	assert.Equal(t, "request timed out", resp.Error)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	var calls atomic.Int32
	broken := func(ctx context.Context, inv *message.Invocation) *message.Completion {
		calls.Add(1)
		return message.NewCompletionError(inv.InvocationID, "division by zero")
	}

	resp := RetryMiddleware(5, time.Millisecond, nil)(broken)(context.Background(), newInvocation())
	assert.Equal(t, "division by zero", resp.Error)
	assert.EqualValues(t, 1, calls.Load())
}

func TestChain(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, inv *message.Invocation) *message.Completion {
				order = append(order, name)
				return next(ctx, inv)
			}
		}
	}

	handler := Chain(tag("a"), tag("b"), TimeOutMiddleware(500*time.Millisecond))(echoHandler)
	resp := handler(context.Background(), newInvocation())
	require.NotNil(t, resp)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"a", "b"}, order)
}
