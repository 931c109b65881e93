package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"gorm.io/gorm"
)

type CredentialRepository struct {
	db *gorm.DB
}

func NewCredentialRepository(db *gorm.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// List returns all credentials ordered by selection preference
func (r *CredentialRepository) List(ctx context.Context) ([]models.Credential, error) {
	var creds []models.Credential
	result := r.db.WithContext(ctx).
		Order("priority ASC").
		Order("quota_used ASC").
		Order("created_at ASC").
		Find(&creds)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", result.Error)
	}
	return creds, nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	var cred models.Credential
	result := r.db.WithContext(ctx).First(&cred, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &cred, nil
}

// GetBySecret retrieves a credential by its secret
func (r *CredentialRepository) GetBySecret(ctx context.Context, secret string) (*models.Credential, error) {
	var cred models.Credential
	result := r.db.WithContext(ctx).First(&cred, "secret = ?", secret)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to get credential: %w", result.Error)
	}
	return &cred, nil
}

// Create inserts a new credential
func (r *CredentialRepository) Create(ctx context.Context, cred models.Credential) error {
	if err := r.db.WithContext(ctx).Create(&cred).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create credential: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// Update saves the administratively editable fields of a credential
func (r *CredentialRepository) Update(ctx context.Context, cred models.Credential) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", cred.ID).
		Updates(map[string]interface{}{
			"name":        cred.Name,
			"secret":      cred.Secret,
			"is_active":   cred.IsActive,
			"is_valid":    cred.IsValid,
			"priority":    cred.Priority,
			"quota_limit": cred.QuotaLimit,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("failed to update credential: %w", ErrConflict)
		}
		return fmt.Errorf("failed to update credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Delete removes a credential
func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Credential{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// IncrementUsage atomically adds cost to the used quota
func (r *CredentialRepository) IncrementUsage(ctx context.Context, id string, cost int64, usedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quota_used":   gorm.Expr("quota_used + ?", cost),
			"last_used_at": usedAt,
			"updated_at":   usedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment usage: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// MarkExhausted invalidates a credential whose upstream quota ran out
func (r *CredentialRepository) MarkExhausted(ctx context.Context, id string, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_valid":     false,
			"last_error":   reason,
			"exhausted_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark credential exhausted: %w", result.Error)
	}
	return nil
}

// ResetExpired zeroes usage on every credential whose reset time has passed,
// in a single statement. Credentials invalidated by quota exhaustion become
// valid again; manually invalidated ones stay invalid.
func (r *CredentialRepository) ResetExpired(ctx context.Context, now time.Time, nextReset time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("reset_at < ?", now.UTC()).
		Updates(map[string]interface{}{
			"quota_used":   0,
			"reset_at":     nextReset.UTC(),
			"is_valid":     gorm.Expr("CASE WHEN exhausted_at IS NOT NULL THEN ? ELSE is_valid END", true),
			"exhausted_at": nil,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reset expired credentials: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ResetUsage is the manual reset: clears usage and errors and revalidates
func (r *CredentialRepository) ResetUsage(ctx context.Context, id string, nextReset time.Time) error {
	result := r.db.WithContext(ctx).Model(&models.Credential{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quota_used":   0,
			"reset_at":     nextReset.UTC(),
			"is_valid":     true,
			"last_error":   nil,
			"exhausted_at": nil,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reset credential: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
