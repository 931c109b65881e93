package models

import (
	"strings"
	"time"
)

// Credential is a rate-limited API key pooled with others for rotation
type Credential struct {
	ID          string     `gorm:"column:id;primaryKey"`
	Name        string     `gorm:"column:name"`
	Secret      string     `gorm:"column:secret;uniqueIndex"`
	IsActive    bool       `gorm:"column:is_active"`
	IsValid     bool       `gorm:"column:is_valid"`
	Priority    int        `gorm:"column:priority"`
	QuotaLimit  int64      `gorm:"column:quota_limit"`
	QuotaUsed   int64      `gorm:"column:quota_used"`
	ResetAt     time.Time  `gorm:"column:reset_at;index"`
	LastUsedAt  *time.Time `gorm:"column:last_used_at"`
	LastError   *string    `gorm:"column:last_error"`
	ExhaustedAt *time.Time `gorm:"column:exhausted_at"` // set when invalidated by quota exhaustion
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Credential) TableName() string {
	return "credential"
}

// Selectable reports whether the credential may be handed out by the pool
func (c Credential) Selectable() bool {
	return c.IsActive && c.IsValid && c.QuotaUsed < c.QuotaLimit
}

// Remaining returns the quota left before the next reset
func (c Credential) Remaining() int64 {
	if c.QuotaUsed >= c.QuotaLimit {
		return 0
	}
	return c.QuotaLimit - c.QuotaUsed
}

// MaskedSecret returns the secret with everything but the edges hidden
func (c Credential) MaskedSecret() string {
	s := strings.TrimSpace(c.Secret)
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
