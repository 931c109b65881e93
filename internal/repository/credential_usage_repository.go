package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"gorm.io/gorm"
)

type CredentialUsageRepository struct {
	db *gorm.DB
}

func NewCredentialUsageRepository(db *gorm.DB) *CredentialUsageRepository {
	return &CredentialUsageRepository{db: db}
}

// Create appends a usage record
func (r *CredentialUsageRepository) Create(ctx context.Context, record models.CredentialUsage) error {
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// ListByCredential returns the most recent usage records of a credential
func (r *CredentialUsageRepository) ListByCredential(ctx context.Context, credentialID string, limit int) ([]models.CredentialUsage, error) {
	var records []models.CredentialUsage
	result := r.db.WithContext(ctx).
		Where("credential_id = ?", credentialID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", result.Error)
	}
	return records, nil
}

// SumCostSince totals the cost charged to a credential since the given time
func (r *CredentialUsageRepository) SumCostSince(ctx context.Context, credentialID string, since time.Time) (int64, error) {
	var total int64
	result := r.db.WithContext(ctx).Model(&models.CredentialUsage{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("credential_id = ? AND created_at >= ?", credentialID, since).
		Scan(&total)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", result.Error)
	}
	return total, nil
}
