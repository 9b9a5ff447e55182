package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
)

// LeaderboardFetcher is implemented by the service layer to compute a top-N
// ranking. Used by Warmer to avoid a circular dependency on the service package.
type LeaderboardFetcher interface {
	GetTopTracks(ctx context.Context, limit int) ([]models.TrackRef, error)
}

// Warmer pre-fills the popularity cache for a list of leaderboard limits so
// the first reads after startup do not all miss.
type Warmer struct {
	fetcher LeaderboardFetcher
	logger  *zap.Logger
}

// NewWarmer creates a Warmer that uses the given fetcher and logger.
func NewWarmer(fetcher LeaderboardFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm computes the ranking for each limit concurrently, populating the cache
// via the fetcher. Returns an error if any limit failed (aggregated).
func (w *Warmer) Warm(ctx context.Context, limits []int) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming leaderboard cache", zap.Int("limits", len(limits)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(limits))
	for _, limit := range limits {
		limit := limit
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.GetTopTracks(ctx, limit); err != nil {
				errCh <- fmt.Errorf("warm top %d: %w", limit, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("leaderboard warming complete", zap.Int("limits", len(limits)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("leaderboard warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *Warmer) WarmPeriodic(ctx context.Context, limits []int, interval time.Duration) error {
	if err := w.Warm(ctx, limits); err != nil && w.logger != nil {
		w.logger.Warn("initial leaderboard warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, limits); err != nil && w.logger != nil {
				w.logger.Warn("periodic leaderboard warm failed", zap.Error(err))
			}
		}
	}
}
