package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
	"go.uber.org/zap"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient provides access to the Anthropic Messages API.
type AnthropicClient struct {
	client   *anthropic.Client
	endpoint string
	model    string
	logger   *zap.Logger
}

// NewAnthropicClient creates a new Anthropic client. Endpoint is optional.
func NewAnthropicClient(cfg *Config, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	var opts []anthropic.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimSuffix(cfg.Endpoint, "/")))
	}

	return &AnthropicClient{
		client:   anthropic.NewClient(cfg.APIKey, opts...),
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		logger:   logger.Named("llm-anthropic"),
	}, nil
}

// Complete runs a Messages API call with optional tools.
func (c *AnthropicClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	temperature := float32(req.Temperature)

	msgReq := anthropic.MessagesRequest{
		Model:       anthropic.Model(c.model),
		System:      req.SystemPrompt,
		Messages:    buildAnthropicMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if len(req.Tools) > 0 && req.ToolChoice.Mode != ToolChoiceNone {
		msgReq.Tools = buildAnthropicTools(req.Tools)
		msgReq.ToolChoice = anthropicToolChoice(req.ToolChoice)
	}

	c.logger.Debug("LLM request",
		zap.String("model", c.model),
		zap.Int("messages", len(msgReq.Messages)),
		zap.Strings("tools", Names(req.Tools)),
		zap.String("tool_choice", string(req.ToolChoice.Mode)))

	start := time.Now()

	resp, err := c.client.CreateMessages(ctx, msgReq)
	if err != nil {
		c.logger.Error("LLM request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		llmErr := ClassifyError(err)
		llmErr.Model = c.model
		llmErr.Endpoint = c.endpoint
		return nil, llmErr
	}

	result := &CompletionResult{
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text = append(text, *block.Text)
			}
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse != nil {
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					ID:        block.MessageContentToolUse.ID,
					Name:      block.MessageContentToolUse.Name,
					Arguments: normalizeArguments(string(block.MessageContentToolUse.Input)),
				})
			}
		}
	}
	result.Content = strings.Join(text, "\n")

	c.logger.Info("LLM request completed",
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.model
}

// GetEndpoint returns the configured endpoint.
func (c *AnthropicClient) GetEndpoint() string {
	return c.endpoint
}

// buildAnthropicMessages maps history onto the user/assistant alternation the
// Messages API requires. System history entries are sent as user turns,
// consecutive turns from the same role are joined, and assistant turns before
// the first user turn are dropped.
func buildAnthropicMessages(history []Message) []anthropic.Message {
	var out []anthropic.Message
	var lastRole anthropic.ChatRole
	var buf []string

	flush := func() {
		if len(buf) > 0 {
			out = append(out, anthropic.Message{
				Role:    lastRole,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(strings.Join(buf, "\n\n"))},
			})
		}
		buf = nil
	}

	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := anthropic.RoleUser
		if m.Role == RoleAssistant {
			role = anthropic.RoleAssistant
		}
		if role == anthropic.RoleAssistant && lastRole == "" {
			continue
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		buf = append(buf, m.Content)
	}
	flush()

	return out
}

func buildAnthropicTools(tools []ToolDefinition) []anthropic.ToolDefinition {
	out := make([]anthropic.ToolDefinition, len(tools))
	for i, def := range tools {
		out[i] = anthropic.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}
	}
	return out
}

func anthropicToolChoice(choice ToolChoice) *anthropic.ToolChoice {
	if choice.Mode == ToolChoiceForced {
		return &anthropic.ToolChoice{Type: "tool", Name: choice.Name}
	}
	return &anthropic.ToolChoice{Type: "auto"}
}
