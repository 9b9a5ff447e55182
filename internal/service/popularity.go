package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/music-popularity-service/internal/cache"
	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
	"github.com/kjstillabower/music-popularity-service/internal/store"
)

// ErrSimilarityUnavailable is returned by GetSimilarTracks when no similarity
// collaborator is configured or the upstream cannot serve the request.
var ErrSimilarityUnavailable = errors.New("similarity service unavailable")

// Counters is the counter-store contract the service depends on.
type Counters interface {
	IncrementPlays(ctx context.Context, trackID uint, delta int64) (int64, error)
	TopByPlays(ctx context.Context, limit int) ([]models.TrackRef, error)
}

// Ledger is the like-ledger contract the service depends on.
type Ledger interface {
	ToggleLike(ctx context.Context, userID, trackID uint) (bool, error)
}

// SimilarityFinder is the external similarity collaborator. The service only
// invokes it and shapes the result; the ranking logic lives upstream.
type SimilarityFinder interface {
	GetSimilarTracks(ctx context.Context, trackID uint, limit int) ([]models.TrackRef, error)
}

// TrackPopularityService is the single entry point for play recording, like
// toggling, and leaderboard reads. Writes go straight to the stores and are
// never retried here; leaderboard reads are cache-aside with bounded retry on
// transient storage failures.
type TrackPopularityService struct {
	counters Counters
	ledger   Ledger
	cache    cache.Cache
	similar  SimilarityFinder // nil when no similarity upstream is configured

	ttl             time.Duration
	retryAttempts   int
	retryBaseDelay  time.Duration
	retryMaxDelay   time.Duration
	stampedeTracker *stampedeTracker
}

// NewTrackPopularityService creates a TrackPopularityService. ttl bounds
// leaderboard staleness; retryAttempts/retryBaseDelay/retryMaxDelay configure
// the read retry policy (writes are never retried).
func NewTrackPopularityService(counters Counters, ledger Ledger, popCache cache.Cache, similar SimilarityFinder, ttl time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) *TrackPopularityService {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &TrackPopularityService{
		counters:        counters,
		ledger:          ledger,
		cache:           popCache,
		similar:         similar,
		ttl:             ttl,
		retryAttempts:   retryAttempts,
		retryBaseDelay:  retryBaseDelay,
		retryMaxDelay:   retryMaxDelay,
		stampedeTracker: newStampedeTracker(),
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// RecordPlay applies one play to the track's counter and returns the updated
// count. The popularity cache is deliberately not invalidated: leaderboard
// freshness is bounded by the TTL, not by write events, which avoids
// invalidation storms under high play rates. Not retried on failure; a retry
// of an already-applied increment would double-count.
func (s *TrackPopularityService) RecordPlay(ctx context.Context, trackID uint) (int64, error) {
	count, err := s.counters.IncrementPlays(ctx, trackID, 1)
	if err != nil {
		return 0, fmt.Errorf("record play for track %d: %w", trackID, err)
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("play recorded", zap.Uint("track_id", trackID), zap.Int64("plays_count", count))
	}
	return count, nil
}

// ToggleLike flips the caller's like state for the track and returns the new state.
func (s *TrackPopularityService) ToggleLike(ctx context.Context, userID, trackID uint) (bool, error) {
	liked, err := s.ledger.ToggleLike(ctx, userID, trackID)
	if err != nil {
		observability.LikeTogglesTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if liked {
		observability.LikeTogglesTotal.WithLabelValues("liked").Inc()
	} else {
		observability.LikeTogglesTotal.WithLabelValues("unliked").Inc()
	}
	if logger := loggerFromContext(ctx); logger != nil {
		logger.Debug("like toggled", zap.Uint("user_id", userID), zap.Uint("track_id", trackID), zap.Bool("liked", liked))
	}
	return liked, nil
}

// GetTopTracks returns the top-N published tracks by play count, served
// through the popularity cache. A consumer may observe a ranking up to one
// TTL window out of date; that staleness is the documented trade-off for not
// hitting the counter store on every read. Cache failures fall through to the
// store, so leaderboard reads never fail because of the cache.
func (s *TrackPopularityService) GetTopTracks(ctx context.Context, limit int) ([]models.TrackRef, error) {
	key := cache.TopTracksKey(limit)
	logger := loggerFromContext(ctx)
	observability.LeaderboardQueriesTotal.WithLabelValues(observability.LimitLabel(limit)).Inc()

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		if logger != nil {
			logger.Warn("cache get failed, falling through to store", zap.String("key", key), zap.Error(err))
		}
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("leaderboard").Inc()
		if logger != nil {
			logger.Debug("leaderboard cache hit", zap.String("key", key))
		}
		return cached, nil
	}

	// Concurrent misses each recompute; a stampede is tolerated because the
	// recomputation is one bounded range query.
	done := s.stampedeTracker.begin(key)
	defer done()

	refs, err := s.topWithRetry(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top %d tracks: %w", limit, err)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, refs, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	return refs, nil
}

// topWithRetry queries the counter store with bounded retry and exponential
// backoff. Only transient storage failures are retried; an invariant
// violation or a caller-cancelled context fails immediately. Read-only, so
// retrying cannot double-apply anything.
func (s *TrackPopularityService) topWithRetry(ctx context.Context, limit int) ([]models.TrackRef, error) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.StoreReadRetriesTotal.Inc()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
		}
		refs, err := s.counters.TopByPlays(ctx, limit)
		if err == nil {
			return refs, nil
		}
		lastErr = err
		if !errors.Is(err, store.ErrStorageUnavailable) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

// backoff returns the delay before retry attempt n (1-based), growing
// exponentially from retryBaseDelay and capped at retryMaxDelay.
func (s *TrackPopularityService) backoff(attempt int) time.Duration {
	base := s.retryBaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if s.retryMaxDelay > 0 && delay > float64(s.retryMaxDelay) {
		delay = float64(s.retryMaxDelay)
	}
	return time.Duration(delay)
}

// GetSimilarTracks passes the lookup through to the similarity collaborator.
func (s *TrackPopularityService) GetSimilarTracks(ctx context.Context, trackID uint, limit int) ([]models.TrackRef, error) {
	if s.similar == nil {
		return nil, ErrSimilarityUnavailable
	}
	refs, err := s.similar.GetSimilarTracks(ctx, trackID, limit)
	if err != nil {
		return nil, fmt.Errorf("similar tracks for %d: %w", trackID, err)
	}
	if refs == nil {
		refs = []models.TrackRef{}
	}
	return refs, nil
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") || strings.Contains(errStr, "refused") {
		return "connection"
	}
	return "unknown"
}
