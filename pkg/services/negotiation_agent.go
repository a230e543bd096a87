package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/llm"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/logging"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/prompts"
	sqlcheck "github.com/ekaya-inc/ekaya-sqlagent/pkg/sql"
)

// DefaultAntiLoopThreshold is the number of prior metadata requests after
// which continuation prompts steer the model toward generate_sql.
const DefaultAntiLoopThreshold = 2

// Fixed outcome messages surfaced to clients.
const (
	msgTextInsteadOfTool  = "LLM error: Expected tool call but got text response. Please try rephrasing your question."
	msgNoValidResponse    = "LLM did not provide a valid response"
	msgCorrectionWasText  = "Could not fix query. LLM provided explanation instead of corrected SQL. Please try a different query."
	defaultTablesReason   = "Need to see available tables"
	defaultSchemaReason   = "Need table schema details"
	defaultRelationReason = "Need to know table relationships for JOINs"
)

// TurnInput is everything the agent needs to decide one turn. An empty Query
// marks a continuation after the client supplied metadata.
type TurnInput struct {
	Query            string
	CachedMetadata   *models.MetadataSet
	History          []models.HistoryEntry
	WorkspaceContext *models.ContextFragment
}

// ErrorInput describes SQL that failed on the client.
type ErrorInput struct {
	Feedback         models.ErrorFeedback
	CachedMetadata   *models.MetadataSet
	WorkspaceContext *models.ContextFragment
}

// AgentConfig tunes the negotiation agent.
type AgentConfig struct {
	AntiLoopThreshold int

	// HistoryTokenBudget caps the tokens of prior conversation sent with a
	// turn; the oldest entries go first. Zero sends all loaded history.
	HistoryTokenBudget int
	Tokens             llm.TokenCounter
}

// NegotiationAgent decides, one reasoning call per turn, whether to ask the
// client for more metadata or to answer with SQL. Turn failures are reported
// as error outcomes, never as Go errors.
type NegotiationAgent interface {
	Process(ctx context.Context, in TurnInput) *models.Outcome
	HandleError(ctx context.Context, in ErrorInput) *models.Outcome
}

type negotiationAgent struct {
	client llm.LLMClient
	cfg    AgentConfig
	tokens llm.TokenCounter
	logger *zap.Logger
}

// NewNegotiationAgent creates a stateless agent over client.
func NewNegotiationAgent(client llm.LLMClient, cfg AgentConfig, logger *zap.Logger) NegotiationAgent {
	if cfg.AntiLoopThreshold <= 0 {
		cfg.AntiLoopThreshold = DefaultAntiLoopThreshold
	}
	logger = logger.Named("negotiation_agent")

	tokens := cfg.Tokens
	if tokens == nil && cfg.HistoryTokenBudget > 0 {
		counter, err := llm.DefaultTokenCounter()
		if err != nil {
			logger.Warn("Token encoding unavailable, using character estimate", zap.Error(err))
			counter = llm.ApproxTokenCounter{}
		}
		tokens = counter
	}
	return &negotiationAgent{
		client: client,
		cfg:    cfg,
		tokens: tokens,
		logger: logger,
	}
}

var _ NegotiationAgent = (*negotiationAgent)(nil)

// generateSQLArgs is the argument object of the generate_sql tool.
type generateSQLArgs struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
	Confidence  string `json:"confidence"`
}

// metadataArgs covers the arguments of all three metadata tools.
type metadataArgs struct {
	TableNames []string `json:"table_names"`
	Reason     string   `json:"reason"`
}

func (a *negotiationAgent) Process(ctx context.Context, in TurnInput) *models.Outcome {
	start := time.Now()
	kind := metrics.TurnKindQuery

	var userPrompt string
	if strings.TrimSpace(in.Query) == "" {
		kind = metrics.TurnKindContinuation
		prior := countMetadataRequests(in.History)
		userPrompt = prompts.BuildContinuationPrompt(prompts.ContinuationInput{
			OriginalQuery:     lastUserQuery(in.History),
			Metadata:          in.CachedMetadata,
			WorkspaceContext:  in.WorkspaceContext,
			PriorRequests:     prior,
			AntiLoopThreshold: a.cfg.AntiLoopThreshold,
		})
		a.logger.Debug("Continuing turn",
			zap.Int("prior_metadata_requests", prior),
			zap.Int("history", len(in.History)))
	} else {
		userPrompt = prompts.BuildQueryPrompt(in.Query, in.CachedMetadata, in.WorkspaceContext)
	}

	req := &llm.CompletionRequest{
		SystemPrompt: prompts.NegotiationSystemPrompt,
		Messages:     buildMessages(a.trimHistory(in.History), userPrompt),
		Tools:        prompts.NegotiationTools(),
		ToolChoice:   llm.AutoToolChoice(),
		Temperature:  0,
	}

	outcome := a.decide(ctx, req, in.CachedMetadata, "")
	metrics.ObserveTurn(kind, string(outcome.Status), time.Since(start))
	return outcome
}

func (a *negotiationAgent) HandleError(ctx context.Context, in ErrorInput) *models.Outcome {
	start := time.Now()
	fb := in.Feedback

	choice := llm.ForceTool(prompts.ToolGenerateSQL)
	if prompts.IsMissingObjectError(fb.ErrorMessage) {
		choice = llm.AutoToolChoice()
	}

	a.logger.Info("Correcting failed SQL",
		zap.String("failed_sql", logging.SanitizeSQL(fb.FailedSQL)),
		zap.String("error", logging.SanitizeMessage(fb.ErrorMessage)),
		zap.String("tool_choice", string(choice.Mode)))

	req := &llm.CompletionRequest{
		SystemPrompt: prompts.NegotiationSystemPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: prompts.BuildErrorCorrectionPrompt(fb, in.CachedMetadata, in.WorkspaceContext),
		}},
		Tools:       prompts.NegotiationTools(),
		ToolChoice:  choice,
		Temperature: 0,
	}

	outcome := a.decide(ctx, req, in.CachedMetadata, fb.FailedSQL)
	metrics.ObserveTurn(metrics.TurnKindCorrection, string(outcome.Status), time.Since(start))
	return outcome
}

// decide makes the single reasoning call and maps its answer to an outcome.
// A non-empty failedSQL marks an error-correction turn and is attached to
// every error outcome.
func (a *negotiationAgent) decide(ctx context.Context, req *llm.CompletionRequest, cached *models.MetadataSet, failedSQL string) *models.Outcome {
	correcting := failedSQL != ""

	result, err := a.client.Complete(ctx, req)
	if err != nil {
		a.logger.Error("LLM call failed",
			zap.String("error_type", string(llm.GetErrorType(err))),
			zap.String("error", logging.SanitizeError(err)))
		return models.Failed("LLM error: "+err.Error(), failedSQL)
	}
	if result == nil {
		return models.Failed(msgNoValidResponse, failedSQL)
	}

	outcome := a.mapResult(result, cached, correcting)
	if outcome.Status == models.OutcomeError {
		outcome.FailedSQL = failedSQL
	}
	outcome.Usage = models.TokenUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}
	return outcome
}

func (a *negotiationAgent) mapResult(result *llm.CompletionResult, cached *models.MetadataSet, correcting bool) *models.Outcome {
	call := result.FirstToolCall()
	if call == nil {
		if strings.TrimSpace(result.Content) == "" {
			return models.Failed(msgNoValidResponse, "")
		}
		a.logger.Warn("LLM answered with text instead of a tool call",
			zap.String("content", logging.TruncateForLog(result.Content, logging.MaxMessageLogLength)))
		if correcting {
			return models.Failed(msgCorrectionWasText, "")
		}
		return models.Failed(msgTextInsteadOfTool, "")
	}

	if call.Name == prompts.ToolGenerateSQL {
		return a.sqlOutcome(call)
	}
	if prompts.IsMetadataTool(call.Name) {
		return a.metadataOutcome(call, cached)
	}

	a.logger.Warn("LLM called an unknown tool", zap.String("tool", call.Name))
	return models.Failed(fmt.Sprintf("LLM error: unknown tool %q", call.Name), "")
}

func (a *negotiationAgent) sqlOutcome(call *llm.ToolCall) *models.Outcome {
	var args generateSQLArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		a.logger.Warn("Invalid generate_sql arguments", zap.Error(err))
		return models.Failed("LLM error: invalid generate_sql arguments", "")
	}
	sql := strings.TrimSpace(args.SQL)
	if sql == "" {
		return models.Failed(msgNoValidResponse, "")
	}

	resp := &models.SQLResponse{
		SQL:         sql,
		Explanation: strings.TrimSpace(args.Explanation),
		Confidence:  models.NormalizeConfidence(args.Confidence),
		Warnings:    sqlcheck.ValidateGeneratedSQL(sql),
	}
	if len(resp.Warnings) > 0 {
		a.logger.Info("Generated SQL has warnings",
			zap.String("sql", logging.SanitizeSQL(sql)),
			zap.Strings("warnings", resp.Warnings))
	}
	return models.Ready(resp)
}

func (a *negotiationAgent) metadataOutcome(call *llm.ToolCall, cached *models.MetadataSet) *models.Outcome {
	var args metadataArgs
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			a.logger.Debug("Ignoring malformed metadata tool arguments",
				zap.String("tool", call.Name), zap.Error(err))
		}
	}

	req := &models.MetadataRequest{Reason: strings.TrimSpace(args.Reason)}
	switch call.Name {
	case prompts.ToolGetTableNames:
		req.MetadataType = models.MetadataTypeTables
		if req.Reason == "" {
			req.Reason = defaultTablesReason
		}
	case prompts.ToolGetTableSchema:
		req.MetadataType = models.MetadataTypeSchema
		req.Params.Tables = a.resolveTables(args.TableNames, cached)
		if req.Reason == "" {
			req.Reason = defaultSchemaReason
		}
	case prompts.ToolGetRelationships:
		req.MetadataType = models.MetadataTypeRelationships
		if req.Reason == "" {
			req.Reason = defaultRelationReason
		}
	}

	a.logger.Info("Requesting metadata",
		zap.String("type", string(req.MetadataType)),
		zap.Strings("tables", req.Params.Tables))
	return models.NeedsMetadata(req)
}

// resolveTables maps the names the model asked for onto the client's table
// list: exact match first, then case-insensitive, then singular/plural.
// Names that match nothing pass through; suspicious names are dropped.
func (a *negotiationAgent) resolveTables(requested []string, cached *models.MetadataSet) []string {
	var known []string
	if cached != nil {
		known = cached.Tables
	}

	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if res := sqlcheck.CheckIdentifier(name); res != nil {
			a.logger.Warn("Dropping table name from schema request", zap.String("reason", res.Reason))
			continue
		}
		resolved := resolveTableName(name, known)
		if !seen[resolved] {
			seen[resolved] = true
			out = append(out, resolved)
		}
	}
	return out
}

func resolveTableName(name string, known []string) string {
	for _, k := range known {
		if k == name {
			return k
		}
	}
	for _, k := range known {
		if strings.EqualFold(k, name) {
			return k
		}
	}

	singular := inflection.Singular(name)
	plural := inflection.Plural(name)
	for _, k := range known {
		if strings.EqualFold(k, singular) || strings.EqualFold(k, plural) {
			return k
		}
	}
	return name
}

// trimHistory drops the oldest entries that do not fit the token budget.
// Anti-loop counting reads the untrimmed history.
func (a *negotiationAgent) trimHistory(history []models.HistoryEntry) []models.HistoryEntry {
	if a.cfg.HistoryTokenBudget <= 0 || len(history) == 0 {
		return history
	}
	texts := make([]string, len(history))
	for i, h := range history {
		texts[i] = h.Content
	}
	first := llm.TrimToTokenBudget(a.tokens, texts, a.cfg.HistoryTokenBudget)
	if first > 0 {
		a.logger.Debug("Trimmed history to token budget",
			zap.Int("dropped", first),
			zap.Int("kept", len(history)-first),
			zap.Int("budget", a.cfg.HistoryTokenBudget))
	}
	return history[first:]
}

// buildMessages turns agent history into chat messages followed by the
// rendered prompt for this turn.
func buildMessages(history []models.HistoryEntry, userPrompt string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, h := range history {
		if strings.TrimSpace(h.Content) == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: llm.Role(h.Role), Content: h.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: userPrompt})
}
