package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often the scheduler sweeps expired metadata.
const DefaultCleanupInterval = 10 * time.Minute

// RetentionService removes expired metadata fragments in bulk. Reads already
// skip expired data; the sweep reclaims the space.
type RetentionService interface {
	// Sweep removes expired fragments across all scopes and returns how many
	// were removed.
	Sweep(ctx context.Context) (int, error)

	// RunScheduler starts a background goroutine that sweeps on the given interval.
	// It runs immediately on startup, then repeats every interval.
	// Cancel the context to stop the scheduler.
	RunScheduler(ctx context.Context, interval time.Duration)
}

type retentionService struct {
	store  MetadataStore
	logger *zap.Logger
}

func NewRetentionService(store MetadataStore, logger *zap.Logger) RetentionService {
	return &retentionService{
		store:  store,
		logger: logger.Named("retention-service"),
	}
}

var _ RetentionService = (*retentionService)(nil)

func (s *retentionService) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.CleanupExpired(ctx)
	if err != nil {
		return removed, fmt.Errorf("failed to clean up expired metadata: %w", err)
	}
	if removed > 0 {
		s.logger.Info("Retention cleanup completed", zap.Int("fragments_removed", removed))
	}
	return removed, nil
}

// RunScheduler starts a background loop that sweeps expired metadata.
func (s *retentionService) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		s.logger.Info("Retention scheduler started", zap.Duration("interval", interval))

		// Run immediately on startup, then at each interval
		s.sweepLogged(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Retention scheduler stopped")
				return
			case <-ticker.C:
				s.sweepLogged(ctx)
			}
		}
	}()
}

func (s *retentionService) sweepLogged(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Retention scheduler: sweep failed", zap.Error(err))
	}
}
