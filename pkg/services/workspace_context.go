package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
)

// maxMergeAttempts bounds compare-and-swap retries for one merge.
const maxMergeAttempts = 5

// WorkspaceContextService manages the durable knowledge record of a workspace.
type WorkspaceContextService interface {
	// Get returns the context or apperrors.ErrNotFound.
	Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error)

	// Merge folds fragment into the workspace context, creating an editable
	// context when none exists. Concurrent writers are serialized by version.
	Merge(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment, attributedTo string, sourceConversationID *uuid.UUID) (*models.WorkspaceContext, error)

	// Replace overwrites the stored knowledge wholesale. Fails with
	// ErrNotFound when absent and ErrNotEditable when locked.
	Replace(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment) (*models.WorkspaceContext, error)

	SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) (*models.WorkspaceContext, error)
	Delete(ctx context.Context, workspaceID uuid.UUID) error
}

type workspaceContextService struct {
	repo   repositories.WorkspaceContextRepository
	logger *zap.Logger
}

// NewWorkspaceContextService creates a new workspace context service.
func NewWorkspaceContextService(repo repositories.WorkspaceContextRepository, logger *zap.Logger) WorkspaceContextService {
	return &workspaceContextService{
		repo:   repo,
		logger: logger.Named("workspace-context"),
	}
}

var _ WorkspaceContextService = (*workspaceContextService)(nil)

func (s *workspaceContextService) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error) {
	return s.repo.Get(ctx, workspaceID)
}

func (s *workspaceContextService) Merge(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment, attributedTo string, sourceConversationID *uuid.UUID) (*models.WorkspaceContext, error) {
	for attempt := 1; attempt <= maxMergeAttempts; attempt++ {
		wc, result, err := s.tryMerge(ctx, workspaceID, fragment, attributedTo, sourceConversationID)
		if err == nil {
			metrics.IncrementContextMerge(result)
			s.logger.Info("Workspace context merged",
				zap.String("workspace_id", workspaceID.String()),
				zap.String("result", result),
				zap.Int64("version", wc.Version))
			return wc, nil
		}
		if !errors.Is(err, apperrors.ErrConflict) {
			metrics.IncrementContextMerge("failed")
			return nil, err
		}

		metrics.IncrementContextMerge("conflict")
		s.logger.Debug("Workspace context changed concurrently, retrying merge",
			zap.String("workspace_id", workspaceID.String()),
			zap.Int("attempt", attempt))
	}

	metrics.IncrementContextMerge("failed")
	return nil, fmt.Errorf("merge workspace context %s: %w", workspaceID, apperrors.ErrConflict)
}

// tryMerge makes one read-merge-write pass. It returns ErrConflict when a
// concurrent writer won either the insert or the version check.
func (s *workspaceContextService) tryMerge(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment, attributedTo string, sourceConversationID *uuid.UUID) (*models.WorkspaceContext, string, error) {
	existing, err := s.repo.Get(ctx, workspaceID)
	if errors.Is(err, apperrors.ErrNotFound) {
		wc := &models.WorkspaceContext{
			ContextFragment:      fragment.Normalize(),
			WorkspaceID:          workspaceID,
			IsEditable:           true,
			SourceConversationID: sourceConversationID,
			CreatedBy:            attributedTo,
		}
		if err := s.repo.Create(ctx, wc); err != nil {
			return nil, "", err
		}
		return wc, "created", nil
	}
	if err != nil {
		return nil, "", err
	}

	existing.ContextFragment = existing.ContextFragment.Merge(fragment)
	if sourceConversationID != nil {
		existing.SourceConversationID = sourceConversationID
	}
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, "", err
	}
	return existing, "merged", nil
}

func (s *workspaceContextService) Replace(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment) (*models.WorkspaceContext, error) {
	existing, err := s.repo.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if !existing.IsEditable {
		return nil, apperrors.ErrNotEditable
	}

	existing.ContextFragment = fragment.Normalize()
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}

	s.logger.Info("Workspace context replaced",
		zap.String("workspace_id", workspaceID.String()),
		zap.Int64("version", existing.Version))
	return existing, nil
}

func (s *workspaceContextService) SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) (*models.WorkspaceContext, error) {
	if err := s.repo.SetEditable(ctx, workspaceID, editable); err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, workspaceID)
}

func (s *workspaceContextService) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	if err := s.repo.Delete(ctx, workspaceID); err != nil {
		return err
	}
	s.logger.Info("Workspace context deleted", zap.String("workspace_id", workspaceID.String()))
	return nil
}
