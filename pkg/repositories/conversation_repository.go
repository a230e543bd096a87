package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

// ConversationRepository provides data access for conversations and their
// messages. Every method expects an owner-scoped connection in ctx.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error)
	List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error)
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
	UpdateTitle(ctx context.Context, ownerID string, id uuid.UUID, title string) error

	// AppendMessages inserts msgs, in order, and bumps the conversation's
	// updated_at in one transaction. All msgs must share a conversation.
	AppendMessages(ctx context.Context, msgs ...*models.Message) error
	// ListMessages returns messages ordered by created_at, then id.
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error)
	// ListRecentMessages returns the last limit messages, oldest first.
	ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error)
	CountUserMessages(ctx context.Context, conversationID uuid.UUID) (int, error)
}

type conversationRepository struct{}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository() ConversationRepository {
	return &conversationRepository{}
}

var _ ConversationRepository = (*conversationRepository)(nil)

const conversationColumns = `id, owner_id, workspace_id, database_id, title, created_at, updated_at`

const messageColumns = `id, conversation_id, role, content, side_metadata, created_at`

func (r *conversationRepository) Create(ctx context.Context, conv *models.Conversation) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}

	query := `
		INSERT INTO sqlagent_conversations (` + conversationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := scope.Conn.Exec(ctx, query,
		conv.ID, conv.OwnerID, conv.WorkspaceID, conv.DatabaseID, conv.Title,
		conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT ` + conversationColumns + `
		FROM sqlagent_conversations
		WHERE id = $1 AND owner_id = $2`

	conv, err := scanConversation(scope.Conn.QueryRow(ctx, query, id, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *conversationRepository) List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT ` + conversationColumns + `
		FROM sqlagent_conversations
		WHERE owner_id = $1 AND ($2 = '' OR database_id = $2)
		ORDER BY updated_at DESC, id
		LIMIT $3 OFFSET $4`

	rows, err := scope.Conn.Query(ctx, query, ownerID, databaseID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	convs := make([]*models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return convs, nil
}

func (r *conversationRepository) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`DELETE FROM sqlagent_conversations WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conversationRepository) UpdateTitle(ctx context.Context, ownerID string, id uuid.UUID, title string) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `
		UPDATE sqlagent_conversations
		SET title = $3, updated_at = $4
		WHERE id = $1 AND owner_id = $2`,
		id, ownerID, title, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *conversationRepository) AppendMessages(ctx context.Context, msgs ...*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	conversationID := msgs[0].ConversationID
	// Consecutive timestamps keep the batch ordered by created_at.
	now := time.Now().UTC()
	sideJSON := make([][]byte, len(msgs))
	for i, msg := range msgs {
		if msg.ConversationID != conversationID {
			return fmt.Errorf("%w: messages span conversations", apperrors.ErrInvalidInput)
		}
		if msg.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("failed to generate message id: %w", err)
			}
			msg.ID = id
		}
		msg.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)

		if msg.Side != nil {
			b, err := json.Marshal(msg.Side)
			if err != nil {
				return fmt.Errorf("failed to marshal side_metadata: %w", err)
			}
			sideJSON[i] = b
		}
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	result, err := tx.Exec(ctx,
		`UPDATE sqlagent_conversations SET updated_at = $2 WHERE id = $1`,
		conversationID, msgs[len(msgs)-1].CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	for i, msg := range msgs {
		_, err = tx.Exec(ctx, `
			INSERT INTO sqlagent_messages (`+messageColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.ConversationID, msg.Role, msg.Content, sideJSON[i], msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *conversationRepository) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT ` + messageColumns + `
		FROM sqlagent_messages
		WHERE conversation_id = $1
		ORDER BY created_at, id`

	rows, err := scope.Conn.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return collectMessages(rows)
}

func (r *conversationRepository) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM sqlagent_messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at, id`

	rows, err := scope.Conn.Query(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	return collectMessages(rows)
}

func (r *conversationRepository) CountUserMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no owner scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM sqlagent_messages WHERE conversation_id = $1 AND role = 'user'`,
		conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user messages: %w", err)
	}
	return count, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conv models.Conversation
	err := row.Scan(
		&conv.ID, &conv.OwnerID, &conv.WorkspaceID, &conv.DatabaseID, &conv.Title,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func collectMessages(rows pgx.Rows) ([]*models.Message, error) {
	defer rows.Close()

	msgs := make([]*models.Message, 0)
	for rows.Next() {
		var msg models.Message
		var sideJSON []byte
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &sideJSON, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(sideJSON) > 0 {
			var side models.SideMetadata
			if err := json.Unmarshal(sideJSON, &side); err != nil {
				return nil, fmt.Errorf("failed to unmarshal side_metadata: %w", err)
			}
			msg.Side = &side
		}
		msgs = append(msgs, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}
