package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestRetryingClient_RetriesRateLimitThenSucceeds(t *testing.T) {
	mock := NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
		if mock.CompleteCalls < 3 {
			return nil, errors.New("429 Too Many Requests")
		}
		return TextResult("ok"), nil
	}

	tracker := NewUsageTracker()
	var retries []int
	client := NewRetryingClient(mock, time.Second, zap.NewNop(),
		WithRetryConfig(fastRetry()),
		WithUsageTracker(tracker),
		WithObserver(Observer{OnRateLimitRetry: func(attempt int, err error) { retries = append(retries, attempt) }}),
	)

	result, err := client.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)
	assert.Equal(t, 3, mock.CompleteCalls)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, int64(1), tracker.Snapshot().Calls)
	assert.Equal(t, int64(120), tracker.Snapshot().TotalTokens)
}

func TestRetryingClient_RateLimitBudgetExhausted(t *testing.T) {
	mock := NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
		return nil, errors.New("rate limit exceeded")
	}

	client := NewRetryingClient(mock, time.Second, zap.NewNop(), WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, 3, mock.CompleteCalls, "three attempts in total")
}

func TestRetryingClient_OtherErrorsNotRetried(t *testing.T) {
	mock := NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	client := NewRetryingClient(mock, time.Second, zap.NewNop(), WithRetryConfig(fastRetry()))

	_, err := client.Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, 1, mock.CompleteCalls)
	assert.Equal(t, ErrorTypeEndpoint, GetErrorType(err))
}

func TestRetryingClient_TimeoutBoundsCall(t *testing.T) {
	mock := NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	client := NewRetryingClient(mock, 20*time.Millisecond, zap.NewNop(), WithRetryConfig(fastRetry()))

	start := time.Now()
	_, err := client.Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, mock.CompleteCalls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryingClient_CircuitOpensAfterFailures(t *testing.T) {
	mock := NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
		return nil, errors.New("HTTP 503 service unavailable")
	}

	breaker := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Hour})
	client := NewRetryingClient(mock, time.Second, zap.NewNop(), WithCircuitBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), &CompletionRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, breaker.State())

	_, err := client.Complete(context.Background(), &CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, 2, mock.CompleteCalls, "open circuit short-circuits the call")
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	breaker := NewCircuitBreaker(CircuitBreakerConfig{Threshold: 1, ResetAfter: time.Minute})
	breaker.now = func() time.Time { return now }

	breaker.RecordFailure()
	require.Error(t, breaker.Allow())

	now = now.Add(2 * time.Minute)
	require.NoError(t, breaker.Allow())
	assert.Equal(t, CircuitHalfOpen, breaker.State())
	assert.Error(t, breaker.Allow(), "only one probe while half-open")

	breaker.RecordSuccess()
	assert.Equal(t, CircuitClosed, breaker.State())
	assert.NoError(t, breaker.Allow())
}

func TestUsageTracker_Concurrent(t *testing.T) {
	tracker := NewUsageTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.Add(Usage{PromptTokens: 2, CompletionTokens: 1})
		}()
	}
	wg.Wait()

	snap := tracker.Snapshot()
	assert.Equal(t, int64(50), snap.Calls)
	assert.Equal(t, int64(100), snap.PromptTokens)
	assert.Equal(t, int64(150), snap.TotalTokens)
}
