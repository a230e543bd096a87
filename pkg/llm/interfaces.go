// Package llm provides the reasoning capability used by the SQL agent:
// tool-calling chat completions against OpenAI-compatible or Anthropic
// endpoints.
package llm

import (
	"context"
	"encoding/json"
)

// LLMClient defines the interface for LLM operations.
// Use this interface for dependency injection to enable mocking in tests.
type LLMClient interface {
	// Complete runs one chat completion, optionally offering tools.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// GetModel returns the configured model name.
	GetModel() string

	// GetEndpoint returns the configured endpoint.
	GetEndpoint() string
}

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the chat history sent with a request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolChoiceMode controls whether and how the model must call a tool.
type ToolChoiceMode string

const (
	ToolChoiceAuto   ToolChoiceMode = "auto"
	ToolChoiceNone   ToolChoiceMode = "none"
	ToolChoiceForced ToolChoiceMode = "forced"
)

// ToolChoice selects the tool calling mode. Name is only used when Mode is
// ToolChoiceForced.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// AutoToolChoice lets the model decide between text and any offered tool.
func AutoToolChoice() ToolChoice {
	return ToolChoice{Mode: ToolChoiceAuto}
}

// ForceTool requires the model to call the named tool.
func ForceTool(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceForced, Name: name}
}

// CompletionRequest is a provider-neutral chat completion request.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	ToolChoice   ToolChoice
	Temperature  float64
	MaxTokens    int
}

// ToolCall is a tool invocation returned by the model. Arguments holds the
// raw JSON object the model produced.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage counts tokens for a single completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is the provider-neutral completion response.
type CompletionResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// FirstToolCall returns the first tool call, or nil when the model answered
// in text only.
func (r *CompletionResult) FirstToolCall() *ToolCall {
	if r == nil || len(r.ToolCalls) == 0 {
		return nil
	}
	return &r.ToolCalls[0]
}

// Ensure clients implement LLMClient at compile time.
var (
	_ LLMClient = (*Client)(nil)
	_ LLMClient = (*AnthropicClient)(nil)
	_ LLMClient = (*RetryingClient)(nil)
)
