package models

import "time"

// Track is a catalog entry with play/like counters. The counters are mutated
// only through atomic relative updates in the store package; nothing in this
// service reads a counter and writes a derived value back.
type Track struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"size:255;not null;uniqueIndex:idx_tracks_name_artist" json:"name"`
	ArtistName  string `gorm:"size:255;not null;uniqueIndex:idx_tracks_name_artist" json:"artistName"`
	AlbumName   string `gorm:"size:255" json:"albumName,omitempty"`
	DurationSec int    `json:"durationSec"`
	PlaysCount  int64  `gorm:"not null;default:0;index:idx_tracks_published_plays,priority:2,sort:desc" json:"playsCount"`
	LikesCount  int64  `gorm:"not null;default:0;index" json:"likesCount"`
	IsPublished bool   `gorm:"not null;default:true;index:idx_tracks_published_plays,priority:1" json:"isPublished"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Like is one user's like of one track. The composite unique index is the
// serialization point for concurrent toggles of the same pair: a second
// concurrent insert hits the constraint instead of creating a duplicate row.
type Like struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;uniqueIndex:idx_likes_user_track" json:"userId"`
	TrackID   uint      `gorm:"not null;uniqueIndex:idx_likes_user_track;index" json:"trackId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListeningHistory records the most recent listen per (user, track).
// Repeat listens refresh ListenedAt rather than appending rows.
type ListeningHistory struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;uniqueIndex:idx_history_user_track" json:"userId"`
	TrackID     uint      `gorm:"not null;uniqueIndex:idx_history_user_track" json:"trackId"`
	ListenedAt  time.Time `gorm:"not null;index" json:"listenedAt"`
	DurationSec int       `json:"durationSec,omitempty"`
}

// TrackRef is the denormalized leaderboard entry: enough to render a ranked
// row without another catalog lookup. Cached as-is by the popularity cache.
type TrackRef struct {
	ID         uint   `json:"id"`
	Name       string `json:"name"`
	ArtistName string `json:"artistName"`
	PlaysCount int64  `json:"playsCount"`
}
