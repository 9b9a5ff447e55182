package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
)

// CounterStore applies race-free relative updates to the play/like counters
// on the tracks table. Every mutation is a single atomic UPDATE expression at
// the database; the application never computes a counter value and writes it
// back, so concurrent callers cannot lose updates.
type CounterStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewCounterStore returns a CounterStore over the given database handle.
func NewCounterStore(db *gorm.DB, logger *zap.Logger) *CounterStore {
	return &CounterStore{db: db, logger: logger}
}

// IncrementPlays atomically adds delta to the track's play counter and
// returns the post-update value. The returned value is a best-effort
// read-back: under concurrent increments it may already be stale, so callers
// should treat it as display data, not an authoritative count.
func (s *CounterStore) IncrementPlays(ctx context.Context, trackID uint, delta int64) (int64, error) {
	start := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Track{}).
		Where("id = ?", trackID).
		UpdateColumn("plays_count", gorm.Expr("plays_count + ?", delta))
	if res.Error != nil {
		observability.StoreOperationDuration.WithLabelValues("increment_plays", "error").Observe(time.Since(start).Seconds())
		return 0, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		observability.StoreOperationDuration.WithLabelValues("increment_plays", "not_found").Observe(time.Since(start).Seconds())
		return 0, ErrTrackNotFound
	}
	observability.StoreOperationDuration.WithLabelValues("increment_plays", "success").Observe(time.Since(start).Seconds())
	observability.PlaysRecordedTotal.Add(float64(delta))

	var plays int64
	err := s.db.WithContext(ctx).Model(&models.Track{}).
		Where("id = ?", trackID).
		Pluck("plays_count", &plays).Error
	if err != nil {
		// The increment applied; only the read-back failed.
		return 0, classify(err)
	}
	return plays, nil
}

// IncrementLikes atomically adds delta (+1 or -1 only) to the track's like
// counter. A decrement that would take the counter below zero is clamped to
// zero and reported as ErrInvariantViolation: the ledger is the source of
// truth for likes, so a negative counter means the two have drifted.
func (s *CounterStore) IncrementLikes(ctx context.Context, trackID uint, delta int64) (int64, error) {
	if delta != 1 && delta != -1 {
		return 0, fmt.Errorf("likes delta must be +1 or -1, got %d", delta)
	}
	start := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Track{}).
		Where("id = ? AND likes_count + ? >= 0", trackID, delta).
		UpdateColumn("likes_count", gorm.Expr("likes_count + ?", delta))
	if res.Error != nil {
		observability.StoreOperationDuration.WithLabelValues("increment_likes", "error").Observe(time.Since(start).Seconds())
		return 0, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := s.db.WithContext(ctx).Model(&models.Track{}).Where("id = ?", trackID).Count(&exists).Error; err != nil {
			return 0, classify(err)
		}
		if exists == 0 {
			observability.StoreOperationDuration.WithLabelValues("increment_likes", "not_found").Observe(time.Since(start).Seconds())
			return 0, ErrTrackNotFound
		}
		// Decrement below zero: clamp and flag, never correct silently.
		observability.InvariantViolationsTotal.Inc()
		if s.logger != nil {
			s.logger.Error("likes counter would go negative, clamped to zero",
				zap.Uint("track_id", trackID), zap.Int64("delta", delta))
		}
		if err := s.db.WithContext(ctx).Model(&models.Track{}).
			Where("id = ?", trackID).
			UpdateColumn("likes_count", 0).Error; err != nil {
			return 0, classify(err)
		}
		return 0, fmt.Errorf("%w: likes_count for track %d", ErrInvariantViolation, trackID)
	}
	observability.StoreOperationDuration.WithLabelValues("increment_likes", "success").Observe(time.Since(start).Seconds())

	var likes int64
	if err := s.db.WithContext(ctx).Model(&models.Track{}).
		Where("id = ?", trackID).
		Pluck("likes_count", &likes).Error; err != nil {
		return 0, classify(err)
	}
	return likes, nil
}

// BulkIncrementPlays adds delta to the play counter of every listed track in
// one statement. Each row's update is independently atomic; no cross-row
// atomicity is promised. Unknown identifiers are skipped silently.
func (s *CounterStore) BulkIncrementPlays(ctx context.Context, trackIDs []uint, delta int64) error {
	if len(trackIDs) == 0 {
		return nil
	}
	start := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Track{}).
		Where("id IN ?", trackIDs).
		UpdateColumn("plays_count", gorm.Expr("plays_count + ?", delta))
	if res.Error != nil {
		observability.StoreOperationDuration.WithLabelValues("bulk_increment_plays", "error").Observe(time.Since(start).Seconds())
		return classify(res.Error)
	}
	observability.StoreOperationDuration.WithLabelValues("bulk_increment_plays", "success").Observe(time.Since(start).Seconds())
	observability.PlaysRecordedTotal.Add(float64(delta) * float64(res.RowsAffected))
	return nil
}

// TopByPlays returns up to limit published tracks ordered by play count
// descending. This is the authoritative leaderboard query that the
// popularity cache fronts.
func (s *CounterStore) TopByPlays(ctx context.Context, limit int) ([]models.TrackRef, error) {
	start := time.Now()
	var refs []models.TrackRef
	err := s.db.WithContext(ctx).Model(&models.Track{}).
		Select("id", "name", "artist_name", "plays_count").
		Where("is_published = ?", true).
		Order("plays_count DESC").
		Limit(limit).
		Scan(&refs).Error
	if err != nil {
		observability.StoreOperationDuration.WithLabelValues("top_by_plays", "error").Observe(time.Since(start).Seconds())
		return nil, classify(err)
	}
	observability.StoreOperationDuration.WithLabelValues("top_by_plays", "success").Observe(time.Since(start).Seconds())
	if refs == nil {
		refs = []models.TrackRef{}
	}
	return refs, nil
}

// Counts returns the current play and like counters for a track.
func (s *CounterStore) Counts(ctx context.Context, trackID uint) (plays, likes int64, err error) {
	var track models.Track
	err = s.db.WithContext(ctx).Select("plays_count", "likes_count").
		First(&track, trackID).Error
	if err != nil {
		return 0, 0, classify(err)
	}
	return track.PlaysCount, track.LikesCount, nil
}
