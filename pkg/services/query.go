package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/logging"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/prompts"
)

// QueryService runs conversation turns: it persists each exchange, feeds the
// agent its history, cached metadata and workspace knowledge, and learns from
// satisfied conversations.
type QueryService interface {
	// Ask starts a conversation or continues one with a new question. An
	// empty query on an existing conversation resumes the pending turn.
	Ask(ctx context.Context, ownerID string, req *AskRequest) (*TurnResult, error)

	// SubmitMetadata caches metadata the agent asked for and resumes.
	SubmitMetadata(ctx context.Context, ownerID string, conversationID uuid.UUID, sub models.MetadataSubmission) (*TurnResult, error)

	// ReportError asks the agent to correct SQL that failed on the client.
	ReportError(ctx context.Context, ownerID string, conversationID uuid.UUID, feedback models.ErrorFeedback) (*TurnResult, error)

	// MarkSatisfied records satisfaction and, when a workspace is attached,
	// folds what the conversation taught into its workspace context.
	MarkSatisfied(ctx context.Context, ownerID string, conversationID uuid.UUID, satisfied bool, notes string) (*SatisfactionResult, error)
}

// AskRequest is the body of a query turn.
type AskRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	DatabaseID     string     `json:"database_id"`
	WorkspaceID    *uuid.UUID `json:"workspace_id,omitempty"`
	Query          string     `json:"query"`
}

// TurnResult is what one turn returns to the client.
type TurnResult struct {
	*models.Outcome

	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Title          string    `json:"title,omitempty"`
}

// SatisfactionResult reports whether workspace knowledge was updated.
type SatisfactionResult struct {
	ConversationID   uuid.UUID                `json:"conversation_id"`
	Satisfied        bool                     `json:"satisfied"`
	ContextUpdated   bool                     `json:"context_updated"`
	WorkspaceContext *models.WorkspaceContext `json:"workspace_context,omitempty"`
	Message          string                   `json:"message"`
}

// QueryConfig tunes turn orchestration.
type QueryConfig struct {
	HistoryLimit  int
	TitleMaxWords int
}

type queryService struct {
	conversations ConversationService
	metadata      MetadataStore
	contexts      WorkspaceContextService
	agent         NegotiationAgent
	extractor     ContextExtractor
	cfg           QueryConfig
	logger        *zap.Logger
}

// NewQueryService creates a new query service.
func NewQueryService(
	conversations ConversationService,
	metadata MetadataStore,
	contexts WorkspaceContextService,
	agent NegotiationAgent,
	extractor ContextExtractor,
	cfg QueryConfig,
	logger *zap.Logger,
) QueryService {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.TitleMaxWords <= 0 {
		cfg.TitleMaxWords = prompts.DefaultTitleMaxWords
	}
	return &queryService{
		conversations: conversations,
		metadata:      metadata,
		contexts:      contexts,
		agent:         agent,
		extractor:     extractor,
		cfg:           cfg,
		logger:        logger.Named("query"),
	}
}

var _ QueryService = (*queryService)(nil)

func (s *queryService) Ask(ctx context.Context, ownerID string, req *AskRequest) (*TurnResult, error) {
	query := strings.TrimSpace(req.Query)

	var conv *models.Conversation
	var err error
	if req.ConversationID != nil {
		conv, err = s.conversations.Get(ctx, ownerID, *req.ConversationID)
		if err != nil {
			return nil, err
		}
		if req.DatabaseID != "" && req.DatabaseID != conv.DatabaseID {
			return nil, fmt.Errorf("%w: conversation belongs to database %q", apperrors.ErrInvalidInput, conv.DatabaseID)
		}
	} else {
		if query == "" {
			return nil, fmt.Errorf("%w: query is required to start a conversation", apperrors.ErrInvalidInput)
		}
		if strings.TrimSpace(req.DatabaseID) == "" {
			return nil, fmt.Errorf("%w: database_id is required", apperrors.ErrInvalidInput)
		}
		// Created only once the first turn has an outcome.
		conv = &models.Conversation{OwnerID: ownerID, DatabaseID: req.DatabaseID, WorkspaceID: req.WorkspaceID}
	}

	var userMsg *models.Message
	var pending []*models.Message
	if query != "" {
		userMsg = &models.Message{Role: models.MessageRoleUser, Content: query}
		pending = append(pending, userMsg)
	}

	// The prompt carries a new question itself, so history stops before it.
	history, err := s.agentHistory(ctx, conv, nil)
	if err != nil {
		return nil, err
	}
	result, err := s.runTurn(ctx, ownerID, conv, query, history, pending)
	if err != nil {
		return nil, err
	}
	if userMsg != nil {
		result.Title = s.maybeTitle(ctx, ownerID, conv, userMsg)
	}
	return result, nil
}

// maybeTitle names the conversation after its first question. Failures leave
// the conversation untitled.
func (s *queryService) maybeTitle(ctx context.Context, ownerID string, conv *models.Conversation, userMsg *models.Message) string {
	if conv.Title != nil {
		return ""
	}
	count, err := s.conversations.CountUserMessages(ctx, conv.ID)
	if err != nil || count != 1 {
		return ""
	}

	title := s.extractor.GenerateTitle(ctx, []*models.Message{userMsg}, s.cfg.TitleMaxWords)
	if err := s.conversations.UpdateTitle(ctx, ownerID, conv.ID, title); err != nil {
		s.logger.Warn("Failed to store conversation title",
			zap.String("conversation_id", conv.ID.String()),
			zap.Error(err))
		return ""
	}
	conv.Title = &title
	return title
}

func (s *queryService) SubmitMetadata(ctx context.Context, ownerID string, conversationID uuid.UUID, sub models.MetadataSubmission) (*TurnResult, error) {
	conv, err := s.conversations.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	scope := models.MetadataScope{OwnerID: ownerID, DatabaseID: conv.DatabaseID}
	set, err := s.metadata.Put(ctx, scope, sub)
	if err != nil {
		return nil, err
	}
	metrics.IncrementMetadataSubmission(string(sub.MetadataType))

	s.logger.Info("Metadata submitted",
		zap.String("conversation_id", conversationID.String()),
		zap.String("type", string(sub.MetadataType)),
		zap.Int("known_tables", len(set.TableNames())))

	submitted := &models.Message{
		Role:    models.MessageRoleSystem,
		Content: fmt.Sprintf("Provided %s metadata", sub.MetadataType),
		Side:    models.NewMetadataSubmissionSide(&sub),
	}
	history, err := s.agentHistory(ctx, conv, []*models.Message{submitted})
	if err != nil {
		return nil, err
	}
	return s.runTurn(ctx, ownerID, conv, "", history, []*models.Message{submitted})
}

func (s *queryService) ReportError(ctx context.Context, ownerID string, conversationID uuid.UUID, feedback models.ErrorFeedback) (*TurnResult, error) {
	if strings.TrimSpace(feedback.FailedSQL) == "" || strings.TrimSpace(feedback.ErrorMessage) == "" {
		return nil, fmt.Errorf("%w: failed_sql and error_message are required", apperrors.ErrInvalidInput)
	}

	conv, err := s.conversations.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(feedback.OriginalQuery) == "" {
		history, err := s.agentHistory(ctx, conv, nil)
		if err != nil {
			return nil, err
		}
		feedback.OriginalQuery = lastUserQuery(history)
	}

	failure := &models.Message{
		Role:    models.MessageRoleSystem,
		Content: "SQL execution failed: " + feedback.ErrorMessage,
		Side:    models.NewSQLFailureSide(feedback.FailedSQL, feedback.ErrorMessage),
	}

	cached, wc, err := s.loadState(ctx, ownerID, conv)
	if err != nil {
		return nil, err
	}

	outcome := s.agent.HandleError(ctx, ErrorInput{
		Feedback:         feedback,
		CachedMetadata:   cached,
		WorkspaceContext: wc,
	})
	return s.recordOutcome(ctx, conv, []*models.Message{failure}, outcome)
}

func (s *queryService) MarkSatisfied(ctx context.Context, ownerID string, conversationID uuid.UUID, satisfied bool, notes string) (*SatisfactionResult, error) {
	conv, err := s.conversations.Get(ctx, ownerID, conversationID)
	if err != nil {
		return nil, err
	}

	result := &SatisfactionResult{ConversationID: conv.ID, Satisfied: satisfied}
	if !satisfied {
		result.Message = "Feedback recorded"
		return result, nil
	}
	if conv.WorkspaceID == nil {
		result.Message = "No workspace attached to this conversation; nothing to learn"
		return result, nil
	}

	msgs, err := s.conversations.Messages(ctx, ownerID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	cached, err := s.metadata.Get(ctx, models.MetadataScope{OwnerID: ownerID, DatabaseID: conv.DatabaseID})
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	fragment, err := s.extractor.Analyze(ctx, msgs, notes, cached)
	if err != nil {
		return nil, err
	}
	if fragment.IsEmpty() {
		result.Message = "Nothing new to learn from this conversation"
		return result, nil
	}

	wc, err := s.contexts.Merge(ctx, *conv.WorkspaceID, fragment, ownerID, &conv.ID)
	if err != nil {
		return nil, fmt.Errorf("merge workspace context: %w", err)
	}

	result.ContextUpdated = true
	result.WorkspaceContext = wc
	result.Message = "Workspace context updated"
	return result, nil
}

// agentHistory renders the stored tail of conv followed by pending, messages
// of this turn that are not stored yet. A conversation without an id has no
// stored messages.
func (s *queryService) agentHistory(ctx context.Context, conv *models.Conversation, pending []*models.Message) ([]models.HistoryEntry, error) {
	var history []models.HistoryEntry
	if conv.ID != uuid.Nil {
		stored, err := s.conversations.AgentHistory(ctx, conv.ID, s.cfg.HistoryLimit)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		history = stored
	}
	history = append(history, CollapseHistory(pending)...)
	if len(history) > s.cfg.HistoryLimit {
		history = history[len(history)-s.cfg.HistoryLimit:]
	}
	return history, nil
}

// runTurn lets the agent decide and records pending together with the
// outcome.
func (s *queryService) runTurn(ctx context.Context, ownerID string, conv *models.Conversation, query string, history []models.HistoryEntry, pending []*models.Message) (*TurnResult, error) {
	cached, wc, err := s.loadState(ctx, ownerID, conv)
	if err != nil {
		return nil, err
	}

	outcome := s.agent.Process(ctx, TurnInput{
		Query:            query,
		CachedMetadata:   cached,
		History:          history,
		WorkspaceContext: wc,
	})
	return s.recordOutcome(ctx, conv, pending, outcome)
}

// loadState reads the cached metadata and, when the conversation belongs to
// a workspace, its learned context. A missing context is not an error.
func (s *queryService) loadState(ctx context.Context, ownerID string, conv *models.Conversation) (*models.MetadataSet, *models.ContextFragment, error) {
	cached, err := s.metadata.Get(ctx, models.MetadataScope{OwnerID: ownerID, DatabaseID: conv.DatabaseID})
	if err != nil {
		return nil, nil, fmt.Errorf("load metadata: %w", err)
	}

	if conv.WorkspaceID == nil {
		return cached, nil, nil
	}
	wc, err := s.contexts.Get(ctx, *conv.WorkspaceID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return cached, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load workspace context: %w", err)
	}
	return cached, &wc.ContextFragment, nil
}

// recordOutcome stores the turn's messages and the assistant reply in one
// append. Nothing is stored once ctx is done. An unsaved conversation is
// created first and removed again if the append fails.
func (s *queryService) recordOutcome(ctx context.Context, conv *models.Conversation, pending []*models.Message, outcome *models.Outcome) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	created := false
	if conv.ID == uuid.Nil {
		saved, err := s.conversations.Create(ctx, conv.OwnerID, conv.DatabaseID, conv.WorkspaceID)
		if err != nil {
			return nil, err
		}
		*conv = *saved
		created = true
	}

	msg := &models.Message{
		Role:    models.MessageRoleAssistant,
		Content: outcome.AssistantContent(),
		Side:    outcome.SideMetadata(),
	}
	if err := s.conversations.AppendTurn(ctx, conv.ID, append(pending, msg)...); err != nil {
		if created {
			if delErr := s.conversations.Delete(context.WithoutCancel(ctx), conv.OwnerID, conv.ID); delErr != nil {
				s.logger.Warn("Failed to remove conversation after failed first turn",
					zap.String("conversation_id", conv.ID.String()),
					zap.Error(delErr))
			}
		}
		return nil, fmt.Errorf("append turn: %w", err)
	}

	fields := []zap.Field{
		zap.String("conversation_id", conv.ID.String()),
		zap.String("status", string(outcome.Status)),
		zap.Int("total_tokens", outcome.Usage.TotalTokens),
	}
	switch outcome.Status {
	case models.OutcomeNeedsMetadata:
		fields = append(fields, zap.String("metadata_type", string(outcome.MetadataRequest.MetadataType)))
	case models.OutcomeReady:
		fields = append(fields, zap.String("sql", logging.SanitizeSQL(outcome.SQLResponse.SQL)))
	case models.OutcomeError:
		fields = append(fields, zap.String("error", logging.SanitizeMessage(outcome.Error)))
	}
	s.logger.Info("Turn completed", fields...)

	return &TurnResult{
		Outcome:        outcome,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
	}, nil
}
