package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
)

type countingStore struct {
	MetadataStore
	calls atomic.Int32
	err   error
}

func (s *countingStore) CleanupExpired(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

func TestRetentionService_SweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryMetadataStore(time.Hour, zap.NewNop(), WithClock(clock.Now))
	svc := NewRetentionService(store, zap.NewNop())

	_, err := store.Put(ctx, testScope, submission(models.MetadataTypeTables, `["users"]`))
	require.NoError(t, err)

	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "fresh fragments survive")

	clock.Advance(2 * time.Hour)
	removed, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRetentionService_SweepWrapsErrors(t *testing.T) {
	boom := errors.New("redis down")
	svc := NewRetentionService(&countingStore{err: boom}, zap.NewNop())

	_, err := svc.Sweep(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRetentionService_SchedulerRunsUntilCanceled(t *testing.T) {
	store := &countingStore{}
	svc := NewRetentionService(store, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.RunScheduler(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return store.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	time.Sleep(30 * time.Millisecond)
	stopped := store.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, store.calls.Load(), "no sweeps after cancel")
}
