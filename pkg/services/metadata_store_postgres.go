package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
)

// ScopeProvider acquires database connections for calls that arrive without
// one, such as the cleanup sweep. Satisfied by *database.OwnerScopeProvider.
type ScopeProvider interface {
	WithOwnerScope(ctx context.Context, ownerID string) (context.Context, func(), error)
	WithUnscoped(ctx context.Context) (context.Context, func(), error)
}

type postgresMetadataStore struct {
	repo     repositories.MetadataCacheRepository
	provider ScopeProvider
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewPostgresMetadataStore creates a MetadataStore backed by the
// sqlagent_metadata_cache table. Read-merge-write runs in one transaction
// holding the row lock.
func NewPostgresMetadataStore(repo repositories.MetadataCacheRepository, provider ScopeProvider, ttl time.Duration, logger *zap.Logger) MetadataStore {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &postgresMetadataStore{
		repo:     repo,
		provider: provider,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("metadata-store-postgres"),
	}
}

var _ MetadataStore = (*postgresMetadataStore)(nil)

// ensureScope reuses the request's connection when present.
func (s *postgresMetadataStore) ensureScope(ctx context.Context, ownerID string) (context.Context, func(), error) {
	if _, ok := database.GetOwnerScope(ctx); ok {
		return ctx, func() {}, nil
	}
	if ownerID == "" {
		return s.provider.WithUnscoped(ctx)
	}
	return s.provider.WithOwnerScope(ctx, ownerID)
}

func (s *postgresMetadataStore) Get(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error) {
	ctx, release, err := s.ensureScope(ctx, scope.OwnerID)
	if err != nil {
		return nil, err
	}
	defer release()

	fragments, err := s.repo.GetScope(ctx, scope, s.now().UTC())
	if err != nil {
		return nil, err
	}
	return assembleSet(fragments), nil
}

func (s *postgresMetadataStore) Put(ctx context.Context, scope models.MetadataScope, sub models.MetadataSubmission) (*models.MetadataSet, error) {
	t, incoming, err := decodeSubmission(sub)
	if err != nil {
		return nil, err
	}

	ctx, release, err := s.ensureScope(ctx, scope.OwnerID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.now().UTC()
	if _, err := s.repo.Merge(ctx, scope, t, incoming, now, s.ttl); err != nil {
		s.logger.Error("Failed to store metadata fragment",
			zap.String("database_id", scope.DatabaseID),
			zap.String("metadata_type", string(t)),
			zap.Error(err))
		return nil, err
	}

	fragments, err := s.repo.GetScope(ctx, scope, now)
	if err != nil {
		return nil, err
	}
	return assembleSet(fragments), nil
}

func (s *postgresMetadataStore) Clear(ctx context.Context, scope models.MetadataScope) (int, error) {
	ctx, release, err := s.ensureScope(ctx, scope.OwnerID)
	if err != nil {
		return 0, err
	}
	defer release()

	return s.repo.DeleteScope(ctx, scope)
}

func (s *postgresMetadataStore) ClearAll(ctx context.Context) (int, error) {
	ctx, release, err := s.ensureScope(ctx, "")
	if err != nil {
		return 0, err
	}
	defer release()

	return s.repo.DeleteAll(ctx)
}

func (s *postgresMetadataStore) CleanupExpired(ctx context.Context) (int, error) {
	ctx, release, err := s.ensureScope(ctx, "")
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Removed expired metadata fragments", zap.Int("count", n))
	}
	return n, nil
}
