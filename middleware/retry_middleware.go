package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"hub-rpc/message"
)

// Retryable reports whether a failed completion is worth another attempt.
func Retryable(errText string) bool {
	return strings.Contains(errText, "timed out") ||
		strings.Contains(errText, "timeout") ||
		strings.Contains(errText, "connection refused")
}

// RetryMiddleware re-runs the handler with exponential backoff starting at baseDelay
// while it fails with a retryable error, at most maxRetries more times.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Completion {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = baseDelay
			eb.RandomizationFactor = 0
			eb.Multiplier = 2
			eb.MaxElapsedTime = 0
			policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

			var completion *message.Completion
			attempt := 0
			op := func() error {
				completion = next(ctx, inv)
				if completion == nil || completion.Error == "" {
					return nil
				}
				if !Retryable(completion.Error) {
					return backoff.Permanent(errors.New(completion.Error))
				}
				return errors.New(completion.Error)
			}
			notify := func(err error, wait time.Duration) {
				attempt++
				logger.Info("retrying invocation",
					zap.String("target", inv.Target),
					zap.Int("attempt", attempt),
					zap.Duration("wait", wait),
					zap.Error(err))
			}
			_ = backoff.RetryNotify(op, policy, notify)
			return completion
		}
	}
}
