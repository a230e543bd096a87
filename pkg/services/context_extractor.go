package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/llm"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/prompts"
	sqlcheck "github.com/ekaya-inc/ekaya-sqlagent/pkg/sql"
)

const (
	// UntitledConversation is used whenever no usable title can be generated.
	UntitledConversation = "Untitled Conversation"

	maxTitleLength      = 100
	minTitleLength      = 3
	titleMaxTokens      = 50
	titleTemperature    = 0.3
	analysisTemperature = 0.1
)

// ContextExtractor distills conversations into workspace knowledge and
// names them.
type ContextExtractor interface {
	// Analyze extracts a context fragment from a satisfied conversation.
	// Unparseable model output yields an empty fragment; only transport
	// failures are returned as errors.
	Analyze(ctx context.Context, messages []*models.Message, userNotes string, metadataUsed *models.MetadataSet) (models.ContextFragment, error)

	// GenerateTitle never fails; it falls back to UntitledConversation.
	GenerateTitle(ctx context.Context, messages []*models.Message, maxWords int) string
}

type contextExtractor struct {
	client llm.LLMClient
	logger *zap.Logger
}

// NewContextExtractor creates an extractor backed by client.
func NewContextExtractor(client llm.LLMClient, logger *zap.Logger) ContextExtractor {
	return &contextExtractor{
		client: client,
		logger: logger.Named("context_extractor"),
	}
}

var _ ContextExtractor = (*contextExtractor)(nil)

func (e *contextExtractor) Analyze(ctx context.Context, messages []*models.Message, userNotes string, metadataUsed *models.MetadataSet) (models.ContextFragment, error) {
	req := &llm.CompletionRequest{
		SystemPrompt: prompts.ExtractionSystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.BuildExtractionPrompt(CollapseHistory(messages), userNotes, metadataUsed),
		}},
		Temperature: analysisTemperature,
	}

	result, err := e.client.Complete(ctx, req)
	if err != nil {
		return models.EmptyContextFragment(), fmt.Errorf("analyze conversation: %w", err)
	}

	var fragment models.ContextFragment
	if result != nil {
		fragment, err = llm.ParseJSONResponse[models.ContextFragment](result.Content)
		if err != nil {
			e.logger.Warn("Failed to parse extraction response, using empty context",
				zap.Error(err),
				zap.Int("response_length", len(result.Content)))
			fragment = models.EmptyContextFragment()
		}
	}

	sqlTables := tablesFromResponses(messages)
	fragment.TablesUsed = append(fragment.TablesUsed, sqlTables...)
	fragment = fragment.Normalize()

	e.logger.Info("Extracted workspace context",
		zap.Int("tables", len(fragment.TablesUsed)),
		zap.Int("tables_from_sql", len(sqlTables)),
		zap.Int("relationships", len(fragment.Relationships)),
		zap.Int("hints", len(fragment.ColumnTypecastHints)),
		zap.Int("business_context", len(fragment.BusinessContext)),
		zap.Int("patterns", len(fragment.SQLPatterns)))

	return fragment, nil
}

// tablesFromResponses lists every table referenced by SQL the agent returned.
func tablesFromResponses(messages []*models.Message) []string {
	var out []string
	for _, m := range messages {
		if m.Side == nil || m.Side.Kind != models.SideKindSQLResponse || m.Side.SQLResponse == nil {
			continue
		}
		for _, name := range sqlcheck.ExtractTableNames(m.Side.SQLResponse.SQL) {
			if sqlcheck.CheckIdentifier(name) == nil {
				out = append(out, name)
			}
		}
	}
	return out
}

func (e *contextExtractor) GenerateTitle(ctx context.Context, messages []*models.Message, maxWords int) string {
	var query string
	for _, m := range messages {
		if m.Role == models.MessageRoleUser && strings.TrimSpace(m.Content) != "" {
			query = m.Content
			break
		}
	}
	if query == "" {
		return UntitledConversation
	}

	result, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompts.BuildTitlePrompt(query, maxWords)}},
		Temperature: titleTemperature,
		MaxTokens:   titleMaxTokens,
	})
	if err != nil {
		e.logger.Warn("Title generation failed", zap.Error(err))
		return UntitledConversation
	}
	if result == nil {
		return UntitledConversation
	}
	return cleanTitle(result.Content)
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(strings.Trim(title, "\"'`"))

	if runes := []rune(title); len(runes) > maxTitleLength {
		title = strings.TrimSpace(string(runes[:maxTitleLength]))
	}
	if len([]rune(title)) < minTitleLength {
		return UntitledConversation
	}
	return title
}
