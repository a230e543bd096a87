package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  ErrorType
		retryable bool
	}{
		{"429 status", errors.New("error, status code: 429, message: slow down"), ErrorTypeRateLimit, true},
		{"rate limit text", errors.New("Rate limit reached for gpt-4o-mini"), ErrorTypeRateLimit, true},
		{"anthropic rate_limit type", errors.New("anthropic api error type: rate_limit_error"), ErrorTypeRateLimit, true},
		{"unauthorized", errors.New("401 Unauthorized"), ErrorTypeAuth, false},
		{"model missing", errors.New("The model `gpt-9` does not exist"), ErrorTypeModel, false},
		{"endpoint 404", errors.New("HTTP 404 page"), ErrorTypeEndpoint, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorTypeEndpoint, false},
		{"connection refused", errors.New("dial tcp 127.0.0.1:1: connection refused"), ErrorTypeEndpoint, false},
		{"server error", errors.New("HTTP 503 Service Unavailable"), ErrorTypeEndpoint, false},
		{"unknown", errors.New("something odd"), ErrorTypeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			if got.Type != tt.wantType {
				t.Errorf("ClassifyError(%q).Type = %s, want %s", tt.err, got.Type, tt.wantType)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("ClassifyError(%q).Retryable = %v, want %v", tt.err, got.Retryable, tt.retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error should wrap the cause")
			}
		})
	}
}

func TestClassifyError_PassesThroughStructured(t *testing.T) {
	original := NewError(ErrorTypeAuth, "bad key", false, nil)
	wrapped := fmt.Errorf("outer: %w", original)

	if got := ClassifyError(wrapped); got != original {
		t.Errorf("expected existing *Error to be returned as-is")
	}
	if ClassifyError(nil) != nil {
		t.Errorf("expected nil for nil error")
	}
}

func TestError_ErrorRedactsEndpoint(t *testing.T) {
	err := &Error{
		Type:       ErrorTypeEndpoint,
		Message:    "server error",
		StatusCode: 503,
		Model:      "gpt-4o-mini",
		Endpoint:   "https://api.openai.com/v1",
	}

	msg := err.Error()
	for _, want := range []string{"HTTP 503", "model=gpt-4o-mini", "endpoint=api.openai.com", "server error"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}
	if strings.Contains(msg, "/v1") {
		t.Errorf("endpoint path should be redacted: %s", msg)
	}
}

func TestIsRateLimited(t *testing.T) {
	if IsRateLimited(nil) {
		t.Error("nil is not rate limited")
	}
	if !IsRateLimited(errors.New("too many requests")) {
		t.Error("expected too many requests to be rate limited")
	}
	if IsRateLimited(errors.New("syntax error")) {
		t.Error("syntax error is not rate limited")
	}
}
