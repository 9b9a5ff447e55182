package store

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kjstillabower/music-popularity-service/internal/models"
	"github.com/kjstillabower/music-popularity-service/internal/observability"
)

// LikeLedger is the durable record of like membership and the source of
// truth for likes_count. At most one row exists per (user, track); the
// composite unique index resolves concurrent creates, so there is no
// check-then-insert window.
type LikeLedger struct {
	db       *gorm.DB
	counters *CounterStore
	logger   *zap.Logger
}

// NewLikeLedger returns a LikeLedger that applies counter deltas through counters.
func NewLikeLedger(db *gorm.DB, counters *CounterStore, logger *zap.Logger) *LikeLedger {
	return &LikeLedger{db: db, counters: counters, logger: logger}
}

// ToggleLike flips the like state for (userID, trackID) and returns the new
// state. A fresh membership row pairs with a +1 counter delta, a removed row
// with -1. The insert uses ON CONFLICT DO NOTHING so a concurrent duplicate
// resolves to "already liked" instead of an error. If the membership write
// succeeds but the counter update fails, the row is flagged for
// reconciliation and the error is surfaced; the counter delta is never
// applied without its membership change.
func (l *LikeLedger) ToggleLike(ctx context.Context, userID, trackID uint) (bool, error) {
	if userID == 0 {
		return false, ErrUnauthenticated
	}
	var exists int64
	if err := l.db.WithContext(ctx).Model(&models.Track{}).Where("id = ?", trackID).Count(&exists).Error; err != nil {
		return false, classify(err)
	}
	if exists == 0 {
		return false, ErrTrackNotFound
	}

	rec := models.Like{UserID: userID, TrackID: trackID}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "track_id"}},
		DoNothing: true,
	}).Create(&rec)
	if res.Error != nil {
		return false, classify(res.Error)
	}

	if res.RowsAffected == 1 {
		if _, err := l.counters.IncrementLikes(ctx, trackID, 1); err != nil {
			l.flagReconciliation(userID, trackID, "like", err)
			return false, err
		}
		return true, nil
	}

	// Row already existed: this toggle is an unlike.
	del := l.db.WithContext(ctx).
		Where("user_id = ? AND track_id = ?", userID, trackID).
		Delete(&models.Like{})
	if del.Error != nil {
		return false, classify(del.Error)
	}
	if del.RowsAffected == 0 {
		// A concurrent toggle already removed the row; its decrement covers
		// the deletion, so no counter change here.
		return false, nil
	}
	if _, err := l.counters.IncrementLikes(ctx, trackID, -1); err != nil {
		l.flagReconciliation(userID, trackID, "unlike", err)
		return false, err
	}
	return false, nil
}

// HasLiked reports whether the user currently likes the track.
func (l *LikeLedger) HasLiked(ctx context.Context, userID, trackID uint) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Like{}).
		Where("user_id = ? AND track_id = ?", userID, trackID).
		Count(&n).Error
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// LikedTrackIDs returns the ids of all tracks the user likes, most recent first.
func (l *LikeLedger) LikedTrackIDs(ctx context.Context, userID uint) ([]uint, error) {
	var ids []uint
	err := l.db.WithContext(ctx).Model(&models.Like{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Pluck("track_id", &ids).Error
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// CountForTrack returns the ledger cardinality for a track. After any
// quiescent period this must equal the track's likes_count; reconciliation
// jobs compare the two.
func (l *LikeLedger) CountForTrack(ctx context.Context, trackID uint) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.Like{}).
		Where("track_id = ?", trackID).
		Count(&n).Error
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// flagReconciliation records a membership/counter mismatch for later repair.
func (l *LikeLedger) flagReconciliation(userID, trackID uint, op string, err error) {
	observability.ReconciliationFlagsTotal.Inc()
	if l.logger != nil {
		l.logger.Error("membership change applied but counter update failed",
			zap.String("operation", op),
			zap.Uint("user_id", userID),
			zap.Uint("track_id", trackID),
			zap.Error(err))
	}
}
