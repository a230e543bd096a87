package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

const (
	redisKeyPrefix     = "sqlagent:metadata"
	redisMaxTxAttempts = 10
)

type redisMetadataStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisMetadataStore creates a MetadataStore backed by Redis. Each
// (scope, type) fragment is one JSON string key expiring after ttl; a set per
// scope indexes the fragment types present, and a global set indexes scopes.
func NewRedisMetadataStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) MetadataStore {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &redisMetadataStore{
		client: client,
		ttl:    ttl,
		logger: logger.Named("metadata-store-redis"),
	}
}

var _ MetadataStore = (*redisMetadataStore)(nil)

func scopeBaseKey(scope models.MetadataScope) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, scope.OwnerID, scope.DatabaseID)
}

func fragmentKey(base string, t models.MetadataType) string {
	return base + ":" + string(t)
}

func typesKey(base string) string {
	return base + ":types"
}

func scopesKey() string {
	return redisKeyPrefix + ":scopes"
}

func (s *redisMetadataStore) Get(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error) {
	fragments, err := s.loadScope(ctx, scopeBaseKey(scope))
	if err != nil {
		return nil, err
	}
	return assembleSet(fragments), nil
}

// loadScope reads every indexed fragment of base, pruning index entries whose
// key has already expired.
func (s *redisMetadataStore) loadScope(ctx context.Context, base string) ([]*models.MetadataFragment, error) {
	members, err := s.client.SMembers(ctx, typesKey(base)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata index: %w", err)
	}

	fragments := make([]*models.MetadataFragment, 0, len(members))
	var stale []string
	for _, t := range models.ValidMetadataTypes {
		if !slices.Contains(members, string(t)) {
			continue
		}
		f, err := getFragment(ctx, s.client, fragmentKey(base, t))
		if err != nil {
			return nil, err
		}
		if f == nil {
			stale = append(stale, string(t))
			continue
		}
		fragments = append(fragments, f)
	}

	if len(stale) > 0 {
		if _, err := s.pruneIndex(ctx, base, stale); err != nil {
			s.logger.Warn("Failed to prune metadata index", zap.String("key", base), zap.Error(err))
		}
	}
	return fragments, nil
}

// pruneIndex drops the given types from base's index if their fragment keys
// are still missing. The keys are watched, so a Put that recreates one between
// the check and the removal aborts the transaction and the check is redone.
func (s *redisMetadataStore) pruneIndex(ctx context.Context, base string, types []string) (int, error) {
	keys := make([]string, len(types))
	for i, t := range types {
		keys[i] = fragmentKey(base, models.MetadataType(t))
	}

	removed := 0
	txf := func(tx *redis.Tx) error {
		removed = 0
		var gone []any
		for i, key := range keys {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				gone = append(gone, types[i])
			}
		}
		if len(gone) == 0 {
			return nil
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, typesKey(base), gone...)
			return nil
		})
		if err == nil {
			removed = len(gone)
		}
		return err
	}

	for attempt := 1; ; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return removed, nil
		}
		if !errors.Is(err, redis.TxFailedErr) || attempt >= redisMaxTxAttempts {
			return 0, fmt.Errorf("failed to prune metadata index: %w", err)
		}
	}
}

// pruneScope drops base from the scope set once its index is empty. A Put
// adding to the index in the meantime aborts the removal.
func (s *redisMetadataStore) pruneScope(ctx context.Context, base string) error {
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, typesKey(base)).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, scopesKey(), base)
			return nil
		})
		return err
	}, typesKey(base))
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

// getFragment returns nil when the key does not exist.
func getFragment(ctx context.Context, c redis.Cmdable, key string) (*models.MetadataFragment, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata fragment: %w", err)
	}

	var f models.MetadataFragment
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode metadata fragment: %w", err)
	}
	return &f, nil
}

func (s *redisMetadataStore) Put(ctx context.Context, scope models.MetadataScope, sub models.MetadataSubmission) (*models.MetadataSet, error) {
	t, incoming, err := decodeSubmission(sub)
	if err != nil {
		return nil, err
	}

	base := scopeBaseKey(scope)
	key := fragmentKey(base, t)

	txf := func(tx *redis.Tx) error {
		existing, err := getFragment(ctx, tx, key)
		if err != nil {
			return err
		}
		var existingSet *models.MetadataSet
		if existing != nil {
			existingSet = existing.Data
		}

		now := time.Now().UTC()
		fragment := &models.MetadataFragment{
			Scope:     scope,
			Type:      t,
			Data:      models.MergeFragment(t, existingSet, incoming),
			UpdatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		raw, err := json.Marshal(fragment)
		if err != nil {
			return fmt.Errorf("failed to encode metadata fragment: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.Expire(ctx, key, s.ttl)
			pipe.SAdd(ctx, typesKey(base), string(t))
			pipe.Expire(ctx, typesKey(base), s.ttl)
			pipe.SAdd(ctx, scopesKey(), base)
			return nil
		})
		return err
	}

	for attempt := 1; ; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			break
		}
		if !errors.Is(err, redis.TxFailedErr) || attempt >= redisMaxTxAttempts {
			return nil, fmt.Errorf("failed to store metadata fragment: %w", err)
		}
		s.logger.Debug("Metadata fragment changed during merge, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt))
	}

	return s.Get(ctx, scope)
}

func (s *redisMetadataStore) Clear(ctx context.Context, scope models.MetadataScope) (int, error) {
	return s.clearBase(ctx, scopeBaseKey(scope))
}

func (s *redisMetadataStore) clearBase(ctx context.Context, base string) (int, error) {
	keys := make([]string, 0, len(models.ValidMetadataTypes))
	for _, t := range models.ValidMetadataTypes {
		keys = append(keys, fragmentKey(base, t))
	}

	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear metadata scope: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, typesKey(base))
		pipe.SRem(ctx, scopesKey(), base)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clear metadata index: %w", err)
	}
	return int(removed), nil
}

func (s *redisMetadataStore) ClearAll(ctx context.Context) (int, error) {
	bases, err := s.client.SMembers(ctx, scopesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read metadata scopes: %w", err)
	}

	total := 0
	for _, base := range bases {
		n, err := s.clearBase(ctx, base)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CleanupExpired prunes index entries for keys Redis has already expired and
// reports how many fragments that covered.
func (s *redisMetadataStore) CleanupExpired(ctx context.Context) (int, error) {
	bases, err := s.client.SMembers(ctx, scopesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read metadata scopes: %w", err)
	}

	total := 0
	for _, base := range bases {
		members, err := s.client.SMembers(ctx, typesKey(base)).Result()
		if err != nil {
			return total, fmt.Errorf("failed to read metadata index: %w", err)
		}

		var missing []string
		for _, t := range members {
			exists, err := s.client.Exists(ctx, fragmentKey(base, models.MetadataType(t))).Result()
			if err != nil {
				return total, fmt.Errorf("failed to check metadata fragment: %w", err)
			}
			if exists == 0 {
				missing = append(missing, t)
			}
		}
		if len(missing) > 0 {
			n, err := s.pruneIndex(ctx, base, missing)
			if err != nil {
				return total, err
			}
			total += n
		}
		if err := s.pruneScope(ctx, base); err != nil {
			return total, fmt.Errorf("failed to prune metadata scopes: %w", err)
		}
	}

	if total > 0 {
		s.logger.Info("Removed expired metadata fragments", zap.Int("count", total))
	}
	return total, nil
}
