package interceptors

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-relay/internal/reliability"
)

// RetryInterceptor re-runs the rest of the chain under a retry policy.
// Authorization failures are never retried.
type RetryInterceptor struct {
	retryPolicy reliability.RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy reliability.RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, env *Envelope, next MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, r.retryPolicy, func() error {
		attempt++
		err := next.Handle(ctx, env)
		if err != nil && isFatal(err) {
			return reliability.Permanent(err)
		}
		if err != nil {
			r.logger.Debug("retrying message", "messageId", env.Message.ID, "attempt", attempt, "error", err)
		}
		return err
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}
