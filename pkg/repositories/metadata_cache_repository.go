package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

// MetadataCacheRepository stores client-supplied metadata fragments, one row
// per (owner, database, type).
type MetadataCacheRepository interface {
	// GetScope deletes the scope's expired rows and returns the rest.
	GetScope(ctx context.Context, scope models.MetadataScope, now time.Time) ([]*models.MetadataFragment, error)
	// Merge folds incoming into the stored fragment of type t under a row
	// lock and writes the result with a fresh expiry.
	Merge(ctx context.Context, scope models.MetadataScope, t models.MetadataType, incoming *models.MetadataSet, now time.Time, ttl time.Duration) (*models.MetadataFragment, error)
	DeleteScope(ctx context.Context, scope models.MetadataScope) (int, error)
	DeleteAll(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

type metadataCacheRepository struct{}

// NewMetadataCacheRepository creates a new MetadataCacheRepository.
func NewMetadataCacheRepository() MetadataCacheRepository {
	return &metadataCacheRepository{}
}

var _ MetadataCacheRepository = (*metadataCacheRepository)(nil)

func (r *metadataCacheRepository) GetScope(ctx context.Context, scope models.MetadataScope, now time.Time) ([]*models.MetadataFragment, error) {
	ownerScope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	_, err := ownerScope.Conn.Exec(ctx, `
		DELETE FROM sqlagent_metadata_cache
		WHERE owner_id = $1 AND database_id = $2 AND expires_at <= $3`,
		scope.OwnerID, scope.DatabaseID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to evict expired metadata: %w", err)
	}

	rows, err := ownerScope.Conn.Query(ctx, `
		SELECT metadata_type, data, updated_at, expires_at
		FROM sqlagent_metadata_cache
		WHERE owner_id = $1 AND database_id = $2 AND expires_at > $3
		ORDER BY metadata_type`,
		scope.OwnerID, scope.DatabaseID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata cache: %w", err)
	}
	defer rows.Close()

	fragments := make([]*models.MetadataFragment, 0, len(models.ValidMetadataTypes))
	for rows.Next() {
		f := &models.MetadataFragment{Scope: scope}
		var dataJSON []byte
		if err := rows.Scan(&f.Type, &dataJSON, &f.UpdatedAt, &f.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan metadata fragment: %w", err)
		}
		if err := json.Unmarshal(dataJSON, &f.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s metadata: %w", f.Type, err)
		}
		fragments = append(fragments, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metadata cache: %w", err)
	}
	return fragments, nil
}

func (r *metadataCacheRepository) Merge(ctx context.Context, scope models.MetadataScope, t models.MetadataType, incoming *models.MetadataSet, now time.Time, ttl time.Duration) (*models.MetadataFragment, error) {
	ownerScope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no owner scope in context")
	}

	tx, err := ownerScope.Conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	// FOR UPDATE cannot lock a row that does not exist yet, so first writers
	// for a key serialize on an advisory lock.
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		scope.Key()+":"+string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to lock metadata key: %w", err)
	}

	var existing *models.MetadataSet
	var dataJSON []byte
	err = tx.QueryRow(ctx, `
		SELECT data
		FROM sqlagent_metadata_cache
		WHERE owner_id = $1 AND database_id = $2 AND metadata_type = $3 AND expires_at > $4
		FOR UPDATE`,
		scope.OwnerID, scope.DatabaseID, t, now).Scan(&dataJSON)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read metadata fragment: %w", err)
	default:
		if err := json.Unmarshal(dataJSON, &existing); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s metadata: %w", t, err)
		}
	}

	fragment := &models.MetadataFragment{
		Scope:     scope,
		Type:      t,
		Data:      models.MergeFragment(t, existing, incoming),
		UpdatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	merged, err := json.Marshal(fragment.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s metadata: %w", t, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sqlagent_metadata_cache (owner_id, database_id, metadata_type, data, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, database_id, metadata_type)
		DO UPDATE SET data = EXCLUDED.data,
		              updated_at = EXCLUDED.updated_at,
		              expires_at = EXCLUDED.expires_at`,
		scope.OwnerID, scope.DatabaseID, t, merged, fragment.UpdatedAt, fragment.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert metadata fragment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return fragment, nil
}

func (r *metadataCacheRepository) DeleteScope(ctx context.Context, scope models.MetadataScope) (int, error) {
	ownerScope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no owner scope in context")
	}

	result, err := ownerScope.Conn.Exec(ctx, `
		DELETE FROM sqlagent_metadata_cache
		WHERE owner_id = $1 AND database_id = $2`,
		scope.OwnerID, scope.DatabaseID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear metadata scope: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *metadataCacheRepository) DeleteAll(ctx context.Context) (int, error) {
	ownerScope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no owner scope in context")
	}

	result, err := ownerScope.Conn.Exec(ctx, `DELETE FROM sqlagent_metadata_cache`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear metadata cache: %w", err)
	}
	return int(result.RowsAffected()), nil
}

func (r *metadataCacheRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ownerScope, ok := database.GetOwnerScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no owner scope in context")
	}

	result, err := ownerScope.Conn.Exec(ctx,
		`DELETE FROM sqlagent_metadata_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired metadata: %w", err)
	}
	return int(result.RowsAffected()), nil
}
