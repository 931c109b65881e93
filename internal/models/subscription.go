package models

import "time"

type SourceType string

const (
	SourceChannel  SourceType = "channel"
	SourcePlaylist SourceType = "playlist"
)

// Subscription is an upstream channel or playlist being followed
type Subscription struct {
	ID                 string     `gorm:"column:id;primaryKey"`
	SourceType         SourceType `gorm:"column:source_type"`
	SourceID           string     `gorm:"column:source_id"`
	Name               string     `gorm:"column:name"`
	AutoTranslate      bool       `gorm:"column:auto_translate"`
	MaxDurationMinutes *int       `gorm:"column:max_duration_minutes"` // nil = no cap
	IsActive           bool       `gorm:"column:is_active"`
	LastSyncAt         *time.Time `gorm:"column:last_sync_at"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Subscription) TableName() string {
	return "subscription"
}

// EligibleForSubmission reports whether an item of the given length should be
// forwarded downstream.
func (s Subscription) EligibleForSubmission(durationSeconds int) bool {
	if !s.AutoTranslate || durationSeconds <= 0 {
		return false
	}
	if s.MaxDurationMinutes == nil {
		return true
	}
	return float64(durationSeconds)/60 < float64(*s.MaxDurationMinutes)
}
