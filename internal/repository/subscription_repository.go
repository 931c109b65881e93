package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"gorm.io/gorm"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

// Create inserts a new subscription
func (r *SubscriptionRepository) Create(ctx context.Context, sub models.Subscription) error {
	if err := r.db.WithContext(ctx).Create(&sub).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create subscription: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetByID retrieves a subscription by ID
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	result := r.db.WithContext(ctx).First(&sub, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", result.Error)
	}
	return &sub, nil
}

// ListActive returns active subscriptions, least recently synced first
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	result := r.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("last_sync_at ASC NULLS FIRST").
		Order("created_at ASC").
		Find(&subs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", result.Error)
	}
	return subs, nil
}

// UpdateLastSync advances the subscription's sync watermark
func (r *SubscriptionRepository) UpdateLastSync(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_sync_at": at,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update last sync: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
