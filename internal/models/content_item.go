package models

import "time"

type TranslationStatus string

const (
	TranslationNone       TranslationStatus = "none"       // Not eligible for submission
	TranslationPending    TranslationStatus = "pending"    // Waiting for the submission queue
	TranslationProcessing TranslationStatus = "processing" // Submitted, waiting for completion notice
	TranslationCompleted  TranslationStatus = "completed"  // Completion notice received
	TranslationFailed     TranslationStatus = "failed"     // Submission failed
)

// ContentItem is one upstream video synced for a subscription.
// (external_id, subscription_id) is unique.
type ContentItem struct {
	ID                    string            `gorm:"column:id;primaryKey"`
	ExternalID            string            `gorm:"column:external_id;uniqueIndex:idx_content_item_external_subscription,priority:1"`
	SubscriptionID        string            `gorm:"column:subscription_id;uniqueIndex:idx_content_item_external_subscription,priority:2;index"`
	ChannelID             string            `gorm:"column:channel_id"`
	ChannelName           string            `gorm:"column:channel_name"`
	Title                 string            `gorm:"column:title"`
	Description           string            `gorm:"column:description"`
	TranslatedTitle       *string           `gorm:"column:translated_title"`
	TranslatedDescription *string           `gorm:"column:translated_description"`
	ThumbnailURL          string            `gorm:"column:thumbnail_url"`
	PublishedAt           time.Time         `gorm:"column:published_at"`
	DurationSeconds       int               `gorm:"column:duration_seconds"`
	TranslationStatus     TranslationStatus `gorm:"column:translation_status;index"`
	TranslationError      *string           `gorm:"column:translation_error"`
	OutputRef             *string           `gorm:"column:output_ref"`
	SubmittedAt           *time.Time        `gorm:"column:submitted_at"`
	CompletedAt           *time.Time        `gorm:"column:completed_at"`
	RepairAttempts        int               `gorm:"column:repair_attempts;not null;default:0"`
	CreatedAt             time.Time         `gorm:"column:created_at"`
	UpdatedAt             time.Time         `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (ContentItem) TableName() string {
	return "content_item"
}

// DurationMinutes returns the duration in (fractional) minutes
func (i ContentItem) DurationMinutes() float64 {
	return float64(i.DurationSeconds) / 60
}
