package store

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kjstillabower/music-popularity-service/internal/models"
)

// HistoryStore keeps one listening-history row per (user, track), refreshed
// on repeat listens.
type HistoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewHistoryStore returns a HistoryStore over the given database handle.
func NewHistoryStore(db *gorm.DB, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

// RecordListen upserts the (user, track) history row, refreshing listened_at
// and duration. Requires a caller identity.
func (h *HistoryStore) RecordListen(ctx context.Context, userID, trackID uint, durationSec int) error {
	if userID == 0 {
		return ErrUnauthenticated
	}
	rec := models.ListeningHistory{
		UserID:      userID,
		TrackID:     trackID,
		ListenedAt:  time.Now().UTC(),
		DurationSec: durationSec,
	}
	res := h.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "track_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"listened_at":  rec.ListenedAt,
			"duration_sec": rec.DurationSec,
		}),
	}).Create(&rec)
	if res.Error != nil {
		return classify(res.Error)
	}
	return nil
}

// RecentListens returns the user's history, most recent first, bounded by limit.
func (h *HistoryStore) RecentListens(ctx context.Context, userID uint, limit int) ([]models.ListeningHistory, error) {
	var rows []models.ListeningHistory
	err := h.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("listened_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classify(err)
	}
	if rows == nil {
		rows = []models.ListeningHistory{}
	}
	return rows, nil
}
