package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/clipdigest-worker/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB opens a throwaway SQLite database with the full schema
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "worker.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Credential{},
		&models.CredentialUsage{},
		&models.JobStatus{},
		&models.Subscription{},
		&models.ContentItem{},
	))
	return db
}

func newCredential(name, secret string, limit, used int64) models.Credential {
	now := time.Now().UTC()
	return models.Credential{
		ID:         uuid.New().String(),
		Name:       name,
		Secret:     secret,
		IsActive:   true,
		IsValid:    true,
		QuotaLimit: limit,
		QuotaUsed:  used,
		ResetAt:    now.Add(24 * time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newItem(subscriptionID, externalID string, status models.TranslationStatus) models.ContentItem {
	now := time.Now().UTC()
	return models.ContentItem{
		ID:                uuid.New().String(),
		ExternalID:        externalID,
		SubscriptionID:    subscriptionID,
		Title:             "title " + externalID,
		PublishedAt:       now.Add(-time.Hour),
		DurationSeconds:   600,
		TranslationStatus: status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
