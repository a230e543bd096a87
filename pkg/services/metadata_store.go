package services

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	sqlcheck "github.com/ekaya-inc/ekaya-sqlagent/pkg/sql"
)

// DefaultMetadataTTL is how long a submitted fragment stays usable.
const DefaultMetadataTTL = 24 * time.Hour

// MetadataStore caches client-supplied schema metadata per (owner, database).
// Expired fragments are evicted lazily on read. CleanupExpired is the bulk
// sweep; RetentionService runs it on a schedule when one is configured.
type MetadataStore interface {
	// Get returns everything cached for scope. An empty scope yields an
	// empty set, never nil.
	Get(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error)

	// Put decodes and stores one submission and returns the scope's full set
	// afterwards. Schema submissions merge per table with the new tables
	// winning; the other types replace. The TTL is always refreshed.
	Put(ctx context.Context, scope models.MetadataScope, sub models.MetadataSubmission) (*models.MetadataSet, error)

	// Clear drops every fragment of scope and returns how many were removed.
	Clear(ctx context.Context, scope models.MetadataScope) (int, error)

	// ClearAll drops every fragment of every scope.
	ClearAll(ctx context.Context) (int, error)

	// CleanupExpired removes expired fragments across all scopes.
	CleanupExpired(ctx context.Context) (int, error)
}

// decodeSubmission turns a raw submission into a typed set and rejects table
// names that look like injection attempts.
func decodeSubmission(sub models.MetadataSubmission) (models.MetadataType, *models.MetadataSet, error) {
	set, err := models.DecodeSubmission(sub)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	if err := sqlcheck.CheckIdentifiers(set.TableNames()); err != nil {
		return "", nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}
	t, _ := models.ParseMetadataType(string(sub.MetadataType))
	return t, set, nil
}

// assembleSet folds per-type fragments into one set. Fragments are copied
// so callers cannot mutate cached data.
func assembleSet(fragments []*models.MetadataFragment) *models.MetadataSet {
	set := &models.MetadataSet{}
	for _, f := range fragments {
		set.SetPortion(f.Type, f.Data.Portion(f.Type))
	}
	return set
}

// ============================================================================
// In-memory backend
// ============================================================================

type memoryMetadataStore struct {
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex // guards entries
	entries map[string]map[models.MetadataType]*models.MetadataFragment

	// Scopes hash onto a fixed set of stripes so locking state never grows
	// with the number of scopes seen.
	stripes [scopeLockStripes]sync.Mutex
}

const scopeLockStripes = 64

// MemoryStoreOption configures the in-memory metadata store.
type MemoryStoreOption func(*memoryMetadataStore)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *memoryMetadataStore) { s.now = now }
}

// NewMemoryMetadataStore creates a process-local MetadataStore. A
// non-positive ttl falls back to DefaultMetadataTTL.
func NewMemoryMetadataStore(ttl time.Duration, logger *zap.Logger, opts ...MemoryStoreOption) MetadataStore {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	s := &memoryMetadataStore{
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.Named("metadata-store"),
		entries: make(map[string]map[models.MetadataType]*models.MetadataFragment),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ MetadataStore = (*memoryMetadataStore)(nil)

// scopeLock returns the mutex serializing read-merge-write for one scope.
// Unrelated scopes may share a stripe.
func (s *memoryMetadataStore) scopeLock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.stripes[h.Sum32()%scopeLockStripes]
}

func (s *memoryMetadataStore) Get(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error) {
	key := scope.Key()
	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	return assembleSet(s.liveFragments(key)), nil
}

// liveFragments evicts expired fragments of key and returns the rest. Caller
// holds the scope lock.
func (s *memoryMetadataStore) liveFragments(key string) []*models.MetadataFragment {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	byType := s.entries[key]
	out := make([]*models.MetadataFragment, 0, len(byType))
	for _, t := range models.ValidMetadataTypes {
		f, ok := byType[t]
		if !ok {
			continue
		}
		if f.Expired(now) {
			delete(byType, t)
			continue
		}
		out = append(out, f)
	}
	if byType != nil && len(byType) == 0 {
		delete(s.entries, key)
	}
	return out
}

func (s *memoryMetadataStore) Put(ctx context.Context, scope models.MetadataScope, sub models.MetadataSubmission) (*models.MetadataSet, error) {
	t, incoming, err := decodeSubmission(sub)
	if err != nil {
		return nil, err
	}

	key := scope.Key()
	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	var existing *models.MetadataSet
	for _, f := range s.liveFragments(key) {
		if f.Type == t {
			existing = f.Data
		}
	}

	now := s.now()
	fragment := &models.MetadataFragment{
		Scope:     scope,
		Type:      t,
		Data:      models.MergeFragment(t, existing, incoming),
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	if s.entries[key] == nil {
		s.entries[key] = make(map[models.MetadataType]*models.MetadataFragment)
	}
	s.entries[key][t] = fragment
	s.mu.Unlock()

	s.logger.Debug("Stored metadata fragment",
		zap.String("owner_id", scope.OwnerID),
		zap.String("database_id", scope.DatabaseID),
		zap.String("metadata_type", string(t)))

	return assembleSet(s.liveFragments(key)), nil
}

func (s *memoryMetadataStore) Clear(ctx context.Context, scope models.MetadataScope) (int, error) {
	key := scope.Key()
	lock := s.scopeLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries[key])
	delete(s.entries, key)
	return n, nil
}

func (s *memoryMetadataStore) ClearAll(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, byType := range s.entries {
		n += len(byType)
	}
	s.entries = make(map[string]map[models.MetadataType]*models.MetadataFragment)
	return n, nil
}

func (s *memoryMetadataStore) CleanupExpired(ctx context.Context) (int, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, byType := range s.entries {
		for t, f := range byType {
			if f.Expired(now) {
				delete(byType, t)
				n++
			}
		}
		if len(byType) == 0 {
			delete(s.entries, key)
		}
	}
	if n > 0 {
		s.logger.Info("Removed expired metadata fragments", zap.Int("count", n))
	}
	return n, nil
}
