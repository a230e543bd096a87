package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

// WorkspaceContextRepository persists one version-stamped context per
// workspace. Writers compare-and-swap on version and receive
// apperrors.ErrConflict when another writer got there first.
type WorkspaceContextRepository interface {
	Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error)
	// Create inserts wc at version 1. A concurrent insert yields ErrConflict.
	Create(ctx context.Context, wc *models.WorkspaceContext) error
	// Update writes wc if the stored version still equals wc.Version, then
	// advances wc.Version.
	Update(ctx context.Context, wc *models.WorkspaceContext) error
	SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) error
	Delete(ctx context.Context, workspaceID uuid.UUID) error
}

type workspaceContextRepository struct{}

// NewWorkspaceContextRepository creates a new WorkspaceContextRepository.
func NewWorkspaceContextRepository() WorkspaceContextRepository {
	return &workspaceContextRepository{}
}

var _ WorkspaceContextRepository = (*workspaceContextRepository)(nil)

func (r *workspaceContextRepository) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error) {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	query := `
		SELECT workspace_id, context, is_editable, source_conversation_id,
		       created_by, version, created_at, updated_at
		FROM sqlagent_workspace_contexts
		WHERE workspace_id = $1`

	var wc models.WorkspaceContext
	var contextJSON []byte
	err := scope.Conn.QueryRow(ctx, query, workspaceID).Scan(
		&wc.WorkspaceID, &contextJSON, &wc.IsEditable, &wc.SourceConversationID,
		&wc.CreatedBy, &wc.Version, &wc.CreatedAt, &wc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workspace context: %w", err)
	}

	var fragment models.ContextFragment
	if err := json.Unmarshal(contextJSON, &fragment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workspace context: %w", err)
	}
	wc.ContextFragment = fragment.Normalize()
	return &wc, nil
}

func (r *workspaceContextRepository) Create(ctx context.Context, wc *models.WorkspaceContext) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	contextJSON, err := json.Marshal(wc.ContextFragment.Normalize())
	if err != nil {
		return fmt.Errorf("failed to marshal workspace context: %w", err)
	}

	now := time.Now().UTC()
	wc.Version = 1
	wc.CreatedAt = now
	wc.UpdatedAt = now

	_, err = scope.Conn.Exec(ctx, `
		INSERT INTO sqlagent_workspace_contexts (
			workspace_id, context, is_editable, source_conversation_id,
			created_by, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wc.WorkspaceID, contextJSON, wc.IsEditable, wc.SourceConversationID,
		wc.CreatedBy, wc.Version, wc.CreatedAt, wc.UpdatedAt,
	)
	if err != nil {
		// Check for unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create workspace context: %w", err)
	}
	return nil
}

func (r *workspaceContextRepository) Update(ctx context.Context, wc *models.WorkspaceContext) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	contextJSON, err := json.Marshal(wc.ContextFragment.Normalize())
	if err != nil {
		return fmt.Errorf("failed to marshal workspace context: %w", err)
	}

	now := time.Now().UTC()
	result, err := scope.Conn.Exec(ctx, `
		UPDATE sqlagent_workspace_contexts
		SET context = $3,
		    source_conversation_id = COALESCE($4, source_conversation_id),
		    version = version + 1,
		    updated_at = $5
		WHERE workspace_id = $1 AND version = $2`,
		wc.WorkspaceID, wc.Version, contextJSON, wc.SourceConversationID, now)
	if err != nil {
		return fmt.Errorf("failed to update workspace context: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}

	wc.Version++
	wc.UpdatedAt = now
	return nil
}

func (r *workspaceContextRepository) SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	result, err := scope.Conn.Exec(ctx, `
		UPDATE sqlagent_workspace_contexts
		SET is_editable = $2, version = version + 1, updated_at = $3
		WHERE workspace_id = $1`,
		workspaceID, editable, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update workspace context editability: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *workspaceContextRepository) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	scope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return fmt.Errorf("no owner scope in context")
	}

	result, err := scope.Conn.Exec(ctx,
		`DELETE FROM sqlagent_workspace_contexts WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to delete workspace context: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}
