package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"gorm.io/gorm"
)

const insertBatchSize = 100

type ContentItemRepository struct {
	db *gorm.DB
}

func NewContentItemRepository(db *gorm.DB) *ContentItemRepository {
	return &ContentItemRepository{db: db}
}

// ExistingExternalIDs returns which of the given external ids already exist
// for the subscription
func (r *ContentItemRepository) ExistingExternalIDs(ctx context.Context, subscriptionID string, externalIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(externalIDs))
	if len(externalIDs) == 0 {
		return existing, nil
	}

	var found []string
	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("subscription_id = ? AND external_id IN ?", subscriptionID, externalIDs).
		Pluck("external_id", &found)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load existing items: %w", result.Error)
	}
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

// Exists reports whether the item already exists for the subscription
func (r *ContentItemRepository) Exists(ctx context.Context, subscriptionID, externalID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("subscription_id = ? AND external_id = ?", subscriptionID, externalID).
		Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("failed to check item existence: %w", result.Error)
	}
	return count > 0, nil
}

// CreateBatch inserts all items in one transaction. Any duplicate rolls back
// the whole batch and returns ErrConflict.
func (r *ContentItemRepository) CreateBatch(ctx context.Context, items []models.ContentItem) error {
	if len(items) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&items, insertBatchSize).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create items: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create items: %w", err)
	}
	return nil
}

// Create inserts a single item
func (r *ContentItemRepository) Create(ctx context.Context, item models.ContentItem) error {
	if err := r.db.WithContext(ctx).Create(&item).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create item: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create item: %w", err)
	}
	return nil
}

// GetByID retrieves an item by ID
func (r *ContentItemRepository) GetByID(ctx context.Context, id string) (*models.ContentItem, error) {
	var item models.ContentItem
	result := r.db.WithContext(ctx).First(&item, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", result.Error)
	}
	return &item, nil
}

// TransitionStatus moves an item from one translation status to another.
// It returns false when the item was not in the expected status.
func (r *ContentItemRepository) TransitionStatus(ctx context.Context, id string, from, to models.TranslationStatus, errMsg *string) (bool, error) {
	fields := map[string]interface{}{
		"translation_status": to,
		"translation_error":  errMsg,
		"updated_at":         time.Now(),
	}
	if to == models.TranslationProcessing {
		fields["submitted_at"] = time.Now()
	}

	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id = ? AND translation_status = ?", id, from).
		Updates(fields)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update item status: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// MarkCompleted records the completion notice of a submitted item.
// Only processing items are affected.
func (r *ContentItemRepository) MarkCompleted(ctx context.Context, externalID, outputRef string, at time.Time) (int64, error) {
	fields := map[string]interface{}{
		"translation_status": models.TranslationCompleted,
		"translation_error":  nil,
		"completed_at":       at,
		"updated_at":         time.Now(),
	}
	if outputRef != "" {
		fields["output_ref"] = outputRef
	}

	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("external_id = ? AND translation_status = ?", externalID, models.TranslationProcessing).
		Updates(fields)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to mark item completed: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListByStatus returns items in the given status, oldest first
func (r *ContentItemRepository) ListByStatus(ctx context.Context, status models.TranslationStatus, limit int) ([]models.ContentItem, error) {
	var items []models.ContentItem
	result := r.db.WithContext(ctx).
		Where("translation_status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list items: %w", result.Error)
	}
	return items, nil
}

// ListNeedingRepair returns items missing a duration, or a translated title
// when includeUntranslated is set. Items tried maxAttempts times are left out;
// the least tried come first.
func (r *ContentItemRepository) ListNeedingRepair(ctx context.Context, includeUntranslated bool, maxAttempts, limit int) ([]models.ContentItem, error) {
	missing := "duration_seconds = 0"
	if includeUntranslated {
		missing = "(duration_seconds = 0 OR translated_title IS NULL)"
	}

	var items []models.ContentItem
	result := r.db.WithContext(ctx).
		Where(missing).
		Where("repair_attempts < ?", maxAttempts).
		Order("repair_attempts ASC, created_at ASC").
		Limit(limit).
		Find(&items)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list items needing repair: %w", result.Error)
	}
	return items, nil
}

// RecordRepairAttempt bumps the repair counter of the given items
func (r *ContentItemRepository) RecordRepairAttempt(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"repair_attempts": gorm.Expr("repair_attempts + 1"),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to record repair attempt: %w", result.Error)
	}
	return nil
}

// UpdateDetails saves repaired metadata: duration, translations and status
func (r *ContentItemRepository) UpdateDetails(ctx context.Context, item models.ContentItem) error {
	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"duration_seconds":       item.DurationSeconds,
			"translated_title":       item.TranslatedTitle,
			"translated_description": item.TranslatedDescription,
			"translation_status":     item.TranslationStatus,
			"updated_at":             time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update item details: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrItemNotFound
	}
	return nil
}

// CountByStatus returns the number of items per translation status
func (r *ContentItemRepository) CountByStatus(ctx context.Context) (map[models.TranslationStatus]int64, error) {
	var rows []struct {
		TranslationStatus models.TranslationStatus
		Count             int64
	}
	result := r.db.WithContext(ctx).Model(&models.ContentItem{}).
		Select("translation_status, COUNT(*) AS count").
		Group("translation_status").
		Scan(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to count items: %w", result.Error)
	}

	counts := make(map[models.TranslationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.TranslationStatus] = row.Count
	}
	return counts, nil
}
