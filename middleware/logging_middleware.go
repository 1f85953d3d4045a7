package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hub-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Completion {
			start := time.Now()
			completion := next(ctx, inv)
			fields := []zap.Field{
				zap.String("target", inv.Target),
				zap.String("invocationId", inv.InvocationID),
				zap.Duration("duration", time.Since(start)),
			}
			if completion != nil && completion.Error != "" {
				logger.Warn("invocation failed", append(fields, zap.String("error", completion.Error))...)
			} else {
				logger.Info("invocation served", fields...)
			}
			return completion
		}
	}
}
