package llm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
	"github.com/sashabaranov/go-openai"
)

// ErrorType classifies a failed LLM call.
type ErrorType string

const (
	ErrorTypeEndpoint  ErrorType = "endpoint"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeModel     ErrorType = "model"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error represents a structured LLM error with classification.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
	Model      string
	Endpoint   string
}

// Error implements the error interface. Endpoints are reduced to their host.
func (e *Error) Error() string {
	parts := []string{string(e.Type)}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Endpoint != "" {
		if u, err := url.Parse(e.Endpoint); err == nil && u.Host != "" {
			parts = append(parts, "endpoint="+u.Host)
		}
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable lets pkg/retry check retryability without importing llm.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a new structured LLM error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		Retryable: retryable,
		Cause:     cause,
	}
}

// ClassifyError categorizes an error and returns a structured Error.
// Typed provider errors are checked first, then the message text.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	statusCode := providerStatusCode(err)

	var anthropicErr *anthropic.APIError
	if errors.As(err, &anthropicErr) && anthropicErr.IsRateLimitErr() {
		return withStatus(NewError(ErrorTypeRateLimit, "rate limited", true, err), 429)
	}
	if statusCode == 429 {
		return withStatus(NewError(ErrorTypeRateLimit, "rate limited", true, err), statusCode)
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	if statusCode == 0 {
		for _, code := range []int{400, 401, 403, 404, 429, 500, 502, 503, 504, 529} {
			if strings.Contains(errStr, fmt.Sprintf("%d", code)) {
				statusCode = code
				break
			}
		}
	}

	switch {
	case statusCode == 429 || strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "too many requests"):
		return withStatus(NewError(ErrorTypeRateLimit, "rate limited", true, err), statusCode)

	case statusCode == 401 || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "authentication"):
		return withStatus(NewError(ErrorTypeAuth, "authentication failed", false, err), statusCode)

	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return withStatus(NewError(ErrorTypeModel, "model not found", false, err), statusCode)

	case statusCode == 404:
		return withStatus(NewError(ErrorTypeEndpoint, "endpoint not found", false, err), statusCode)

	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded"):
		return withStatus(NewError(ErrorTypeEndpoint, "request timeout", false, err), statusCode)

	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return withStatus(NewError(ErrorTypeEndpoint, "connection failed", false, err), statusCode)

	case statusCode >= 500:
		return withStatus(NewError(ErrorTypeEndpoint, "server error", false, err), statusCode)
	}

	return withStatus(NewError(ErrorTypeUnknown, "llm error", false, err), statusCode)
}

// IsRateLimited reports whether err is a rate-limit failure, the only class
// the agent retries.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Type == ErrorTypeRateLimit
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func withStatus(e *Error, statusCode int) *Error {
	e.StatusCode = statusCode
	return e
}

func providerStatusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
