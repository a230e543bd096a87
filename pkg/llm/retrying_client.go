package llm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/retry"
)

// Observer receives call-level events from a RetryingClient. Any field may
// be nil.
type Observer struct {
	OnUsage          func(Usage)
	OnRateLimitRetry func(attempt int, err error)
}

// RetryingClient wraps an LLMClient with a per-call timeout, rate-limit
// retries and a circuit breaker. Only rate-limit errors are retried; every
// other failure is returned on the first attempt.
type RetryingClient struct {
	inner    LLMClient
	timeout  time.Duration
	retryCfg *retry.Config
	breaker  *CircuitBreaker
	tracker  *UsageTracker
	observer Observer
	logger   *zap.Logger
}

// RetryingClientOption configures a RetryingClient.
type RetryingClientOption func(*RetryingClient)

// WithRetryConfig overrides the rate-limit backoff policy.
func WithRetryConfig(cfg *retry.Config) RetryingClientOption {
	return func(c *RetryingClient) { c.retryCfg = cfg }
}

// WithCircuitBreaker sets the breaker consulted before each call.
func WithCircuitBreaker(cb *CircuitBreaker) RetryingClientOption {
	return func(c *RetryingClient) { c.breaker = cb }
}

// WithUsageTracker aggregates usage of successful calls into t.
func WithUsageTracker(t *UsageTracker) RetryingClientOption {
	return func(c *RetryingClient) { c.tracker = t }
}

// WithObserver registers callbacks for usage and retry events.
func WithObserver(o Observer) RetryingClientOption {
	return func(c *RetryingClient) { c.observer = o }
}

// NewRetryingClient wraps inner. A zero timeout disables the per-call bound.
func NewRetryingClient(inner LLMClient, timeout time.Duration, logger *zap.Logger, opts ...RetryingClientOption) *RetryingClient {
	c := &RetryingClient{
		inner:    inner,
		timeout:  timeout,
		retryCfg: retry.RateLimitConfig(),
		logger:   logger.Named("llm-retry"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete calls the inner client, retrying rate-limit failures with backoff.
func (c *RetryingClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	attempt := 0
	result, err := retry.DoWithResultIf(ctx, c.retryCfg, func(err error) bool {
		if !IsRateLimited(err) {
			return false
		}
		c.logger.Warn("LLM rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Error(err))
		if c.observer.OnRateLimitRetry != nil {
			c.observer.OnRateLimitRetry(attempt, err)
		}
		return true
	}, func() (*CompletionResult, error) {
		attempt++
		return c.completeOnce(ctx, req)
	})
	if err != nil {
		if !IsRateLimited(err) {
			c.breaker.RecordFailure()
		}
		return nil, err
	}

	c.breaker.RecordSuccess()
	c.tracker.Add(result.Usage)
	if c.observer.OnUsage != nil {
		c.observer.OnUsage(result.Usage)
	}
	return result, nil
}

func (c *RetryingClient) completeOnce(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	result, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return result, nil
}

// GetModel returns the wrapped client's model.
func (c *RetryingClient) GetModel() string {
	return c.inner.GetModel()
}

// GetEndpoint returns the wrapped client's endpoint.
func (c *RetryingClient) GetEndpoint() string {
	return c.inner.GetEndpoint()
}
