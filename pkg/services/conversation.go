package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
)

const (
	// DefaultHistoryLimit is how many recent messages the agent sees.
	DefaultHistoryLimit = 20

	defaultListLimit = 50
	maxListLimit     = 200
)

// ConversationService manages conversations and their append-only message log.
type ConversationService interface {
	Create(ctx context.Context, ownerID, databaseID string, workspaceID *uuid.UUID) (*models.Conversation, error)

	// Get returns the conversation if it belongs to ownerID, else ErrNotFound.
	Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error)

	// List returns the owner's conversations, most recently active first.
	// An empty databaseID lists all databases.
	List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error)

	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.MessageRole, content string, side *models.SideMetadata) (*models.Message, error)

	// AppendTurn stores msgs, in order, all or nothing.
	AppendTurn(ctx context.Context, conversationID uuid.UUID, msgs ...*models.Message) error
	Messages(ctx context.Context, ownerID string, conversationID uuid.UUID) ([]*models.Message, error)
	UpdateTitle(ctx context.Context, ownerID string, id uuid.UUID, title string) error
	CountUserMessages(ctx context.Context, conversationID uuid.UUID) (int, error)

	// AgentHistory returns the last limit messages rendered for the agent.
	AgentHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.HistoryEntry, error)
}

type conversationService struct {
	repo   repositories.ConversationRepository
	logger *zap.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(repo repositories.ConversationRepository, logger *zap.Logger) ConversationService {
	return &conversationService{
		repo:   repo,
		logger: logger.Named("conversation"),
	}
}

var _ ConversationService = (*conversationService)(nil)

func (s *conversationService) Create(ctx context.Context, ownerID, databaseID string, workspaceID *uuid.UUID) (*models.Conversation, error) {
	if strings.TrimSpace(databaseID) == "" {
		return nil, fmt.Errorf("%w: database_id is required", apperrors.ErrInvalidInput)
	}

	conv := &models.Conversation{
		OwnerID:     ownerID,
		WorkspaceID: workspaceID,
		DatabaseID:  databaseID,
	}
	if err := s.repo.Create(ctx, conv); err != nil {
		s.logger.Error("Failed to create conversation",
			zap.String("owner_id", ownerID),
			zap.String("database_id", databaseID),
			zap.Error(err))
		return nil, err
	}

	s.logger.Debug("Conversation created",
		zap.String("conversation_id", conv.ID.String()),
		zap.String("database_id", databaseID))
	return conv, nil
}

func (s *conversationService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error) {
	return s.repo.GetByID(ctx, ownerID, id)
}

func (s *conversationService) List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, ownerID, databaseID, limit, offset)
}

func (s *conversationService) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, ownerID, id); err != nil {
		return err
	}
	s.logger.Info("Conversation deleted", zap.String("conversation_id", id.String()))
	return nil
}

func (s *conversationService) AppendMessage(ctx context.Context, conversationID uuid.UUID, role models.MessageRole, content string, side *models.SideMetadata) (*models.Message, error) {
	msg := &models.Message{
		Role:    role,
		Content: content,
		Side:    side,
	}
	if err := s.AppendTurn(ctx, conversationID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *conversationService) AppendTurn(ctx context.Context, conversationID uuid.UUID, msgs ...*models.Message) error {
	for _, msg := range msgs {
		if !models.IsValidMessageRole(msg.Role) {
			return fmt.Errorf("%w: invalid message role %q", apperrors.ErrInvalidInput, msg.Role)
		}
		msg.ConversationID = conversationID
	}
	return s.repo.AppendMessages(ctx, msgs...)
}

func (s *conversationService) Messages(ctx context.Context, ownerID string, conversationID uuid.UUID) ([]*models.Message, error) {
	if _, err := s.repo.GetByID(ctx, ownerID, conversationID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, conversationID)
}

func (s *conversationService) UpdateTitle(ctx context.Context, ownerID string, id uuid.UUID, title string) error {
	return s.repo.UpdateTitle(ctx, ownerID, id, title)
}

func (s *conversationService) CountUserMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	return s.repo.CountUserMessages(ctx, conversationID)
}

func (s *conversationService) AgentHistory(ctx context.Context, conversationID uuid.UUID, limit int) ([]models.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	msgs, err := s.repo.ListRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	return CollapseHistory(msgs), nil
}

// CollapseHistory renders stored messages the way the agent reads them:
// metadata requests are tagged, submissions and failures are summarized, and
// everything else passes through.
func CollapseHistory(msgs []*models.Message) []models.HistoryEntry {
	entries := make([]models.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := models.HistoryEntry{Role: m.Role, Content: m.Content}
		if m.Side != nil {
			entry.Kind = m.Side.Kind
		}

		switch {
		case m.Role == models.MessageRoleAssistant && m.Side != nil &&
			m.Side.Kind == models.SideKindMetadataRequest && m.Side.MetadataRequest != nil:
			entry.Content += fmt.Sprintf("\n[Requested metadata: %s]", m.Side.MetadataRequest.MetadataType)

		case m.Role == models.MessageRoleSystem && m.Side != nil &&
			m.Side.Kind == models.SideKindMetadataSubmission && m.Side.MetadataSubmission != nil:
			entry.Content = summarizeSubmission(*m.Side.MetadataSubmission)

		case m.Role == models.MessageRoleSystem && m.Side != nil &&
			m.Side.Kind == models.SideKindSQLFailure && m.Side.SQLFailure != nil:
			entry.Content = "Query failed: " + m.Side.SQLFailure.ErrorMessage
		}

		entries = append(entries, entry)
	}
	return entries
}

func summarizeSubmission(sub models.MetadataSubmission) string {
	set, err := models.DecodeSubmission(sub)
	if err != nil {
		return fmt.Sprintf("Metadata received (%s)", sub.MetadataType)
	}

	switch sub.MetadataType {
	case models.MetadataTypeTables:
		return "Metadata received (tables): " + strings.Join(set.Tables, ", ")
	case models.MetadataTypeSchema:
		return "Metadata received (schema) for tables: " + strings.Join(set.SchemaTables(), ", ")
	case models.MetadataTypeRelationships:
		return "Metadata received (relationships)"
	}
	return fmt.Sprintf("Metadata received (%s)", sub.MetadataType)
}

// countMetadataRequests counts assistant turns that asked for metadata.
func countMetadataRequests(history []models.HistoryEntry) int {
	n := 0
	for _, h := range history {
		if h.Role == models.MessageRoleAssistant && h.Kind == models.SideKindMetadataRequest {
			n++
		}
	}
	return n
}

// lastUserQuery returns the newest non-empty user message in history. Resumed
// turns append no user message, so this is the question being worked on.
func lastUserQuery(history []models.HistoryEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if h.Role == models.MessageRoleUser && strings.TrimSpace(h.Content) != "" {
			return h.Content
		}
	}
	return ""
}
