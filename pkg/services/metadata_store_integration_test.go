//go:build integration

package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/database"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/testhelpers"
)

// storeContract runs the behavior every MetadataStore backend must share.
func storeContract(t *testing.T, store MetadataStore, scope models.MetadataScope) {
	ctx := context.Background()

	set, err := store.Get(ctx, scope)
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())

	_, err = store.Put(ctx, scope, submission(models.MetadataTypeTables, `["users","orders"]`))
	require.NoError(t, err)
	_, err = store.Put(ctx, scope, submission(models.MetadataTypeSchema, `{"users": [{"name": "id"}]}`))
	require.NoError(t, err)
	set, err = store.Put(ctx, scope, submission(models.MetadataTypeSchema, `{"orders": [{"name": "user_id"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, set.SchemaTables())

	_, err = store.Put(ctx, scope, submission("indexes", `[]`))
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	other := models.MetadataScope{OwnerID: scope.OwnerID, DatabaseID: scope.DatabaseID + "-other"}
	otherSet, err := store.Get(ctx, other)
	require.NoError(t, err)
	assert.True(t, otherSet.IsEmpty())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put(ctx, scope, submission(models.MetadataTypeSchema, fmt.Sprintf(`{"t_%d": [{"name": "id"}]}`, i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	set, err = store.Get(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, set.Schema, 10, "concurrent schema submissions all land")
	assert.Equal(t, []string{"users", "orders"}, set.Tables)

	n, err := store.Clear(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	set, err = store.Get(ctx, scope)
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())
}

func TestRedisMetadataStore_Contract(t *testing.T) {
	rdb := testhelpers.GetTestRedis(t)
	store := NewRedisMetadataStore(rdb.Client, time.Hour, zap.NewNop())

	storeContract(t, store, models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "db-1"})
}

func TestRedisMetadataStore_Expiry(t *testing.T) {
	ctx := context.Background()
	rdb := testhelpers.GetTestRedis(t)
	store := NewRedisMetadataStore(rdb.Client, time.Second, zap.NewNop())
	scope := models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "db-1"}

	_, err := store.Put(ctx, scope, submission(models.MetadataTypeTables, `["users"]`))
	require.NoError(t, err)

	key := fragmentKey(scopeBaseKey(scope), models.MetadataTypeTables)
	require.Eventually(t, func() bool {
		n, err := rdb.Client.Exists(ctx, key).Result()
		return err == nil && n == 0
	}, 5*time.Second, 100*time.Millisecond)

	n, err := store.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1, "stale index entries are pruned")

	members, err := rdb.Client.SMembers(ctx, typesKey(scopeBaseKey(scope))).Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	set, err := store.Get(ctx, scope)
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())
}

func TestRedisMetadataStore_PruneKeepsRecreatedFragments(t *testing.T) {
	ctx := context.Background()
	rdb := testhelpers.GetTestRedis(t)
	store := NewRedisMetadataStore(rdb.Client, time.Hour, zap.NewNop()).(*redisMetadataStore)
	scope := models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "db-1"}
	base := scopeBaseKey(scope)

	_, err := store.Put(ctx, scope, submission(models.MetadataTypeTables, `["users"]`))
	require.NoError(t, err)
	// schema is indexed but its key is gone
	require.NoError(t, rdb.Client.SAdd(ctx, typesKey(base), string(models.MetadataTypeSchema)).Err())

	// tables was seen missing by a reader but has been written again since
	n, err := store.pruneIndex(ctx, base, []string{
		string(models.MetadataTypeTables),
		string(models.MetadataTypeSchema),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := rdb.Client.SMembers(ctx, typesKey(base)).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{string(models.MetadataTypeTables)}, members)

	set, err := store.Get(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, set.Tables)

	require.NoError(t, store.pruneScope(ctx, base))
	isMember, err := rdb.Client.SIsMember(ctx, scopesKey(), base).Result()
	require.NoError(t, err)
	assert.True(t, isMember, "scope with live fragments stays indexed")
}

func TestRedisMetadataStore_GetConcurrentWithPut(t *testing.T) {
	ctx := context.Background()
	rdb := testhelpers.GetTestRedis(t)
	store := NewRedisMetadataStore(rdb.Client, time.Hour, zap.NewNop())
	scope := models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "db-1"}
	base := scopeBaseKey(scope)

	// stale index entry that readers will try to prune
	require.NoError(t, rdb.Client.SAdd(ctx, typesKey(base), string(models.MetadataTypeSchema)).Err())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put(ctx, scope, submission(models.MetadataTypeSchema, fmt.Sprintf(`{"t_%d": [{"name": "id"}]}`, i)))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, err := store.Get(ctx, scope)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	members, err := rdb.Client.SMembers(ctx, typesKey(base)).Result()
	require.NoError(t, err)
	assert.Contains(t, members, string(models.MetadataTypeSchema), "written fragment stays indexed")

	set, err := store.Get(ctx, scope)
	require.NoError(t, err)
	assert.Len(t, set.Schema, 8)
}

func TestPostgresMetadataStore_Contract(t *testing.T) {
	testDB := testhelpers.GetTestDB(t)
	store := NewPostgresMetadataStore(
		repositories.NewMetadataCacheRepository(),
		database.NewOwnerScopeProvider(testDB.DB),
		time.Hour,
		zap.NewNop(),
	)

	storeContract(t, store, models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "db-1"})
}

func TestPostgresMetadataStore_OwnerIsolation(t *testing.T) {
	ctx := context.Background()
	testDB := testhelpers.GetTestDB(t)
	store := NewPostgresMetadataStore(
		repositories.NewMetadataCacheRepository(),
		database.NewOwnerScopeProvider(testDB.DB),
		time.Hour,
		zap.NewNop(),
	)

	alice := models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "shared-db"}
	bob := models.MetadataScope{OwnerID: "owner-" + uuid.NewString(), DatabaseID: "shared-db"}

	_, err := store.Put(ctx, alice, submission(models.MetadataTypeTables, `["secrets"]`))
	require.NoError(t, err)

	set, err := store.Get(ctx, bob)
	require.NoError(t, err)
	assert.True(t, set.IsEmpty())

	n, err := store.Clear(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	set, err = store.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"secrets"}, set.Tables)
}
