package llm

import (
	"context"
	"encoding/json"
	"sync"
)

// MockLLMClient is a configurable mock for testing LLM functionality.
// Set CompleteFunc to control behavior in tests.
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked.
	// If nil, returns an empty result and nil error.
	CompleteFunc func(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// Model is returned by GetModel. Defaults to "mock-model".
	Model string

	// Endpoint is returned by GetEndpoint. Defaults to "http://mock-endpoint".
	Endpoint string

	mu            sync.Mutex
	CompleteCalls int
	Requests      []*CompletionRequest
}

// NewMockLLMClient creates a new mock with sensible defaults.
func NewMockLLMClient() *MockLLMClient {
	return &MockLLMClient{
		Model:    "mock-model",
		Endpoint: "http://mock-endpoint",
	}
}

// Complete implements LLMClient and records the request.
func (m *MockLLMClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	m.mu.Lock()
	m.CompleteCalls++
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return &CompletionResult{}, nil
}

// LastRequest returns the most recent request, or nil.
func (m *MockLLMClient) LastRequest() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}

// GetModel implements LLMClient.
func (m *MockLLMClient) GetModel() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// GetEndpoint implements LLMClient.
func (m *MockLLMClient) GetEndpoint() string {
	if m.Endpoint == "" {
		return "http://mock-endpoint"
	}
	return m.Endpoint
}

// ToolCallResult builds a result holding a single tool call with args
// marshaled as JSON.
func ToolCallResult(name string, args any) *CompletionResult {
	raw, _ := json.Marshal(args)
	return &CompletionResult{
		ToolCalls: []ToolCall{{ID: "call_" + name, Name: name, Arguments: raw}},
		Usage:     Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

// TextResult builds a result holding only text content.
func TextResult(content string) *CompletionResult {
	return &CompletionResult{
		Content: content,
		Usage:   Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}
}

// Ensure MockLLMClient implements LLMClient at compile time.
var _ LLMClient = (*MockLLMClient)(nil)
