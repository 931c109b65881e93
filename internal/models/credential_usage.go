package models

import "time"

// CredentialUsage is an append-only record of one metered API call
type CredentialUsage struct {
	ID           string    `gorm:"column:id;primaryKey"`
	CredentialID string    `gorm:"column:credential_id;index"`
	Operation    string    `gorm:"column:operation"`
	Endpoint     string    `gorm:"column:endpoint"`
	Cost         int64     `gorm:"column:cost"`
	Success      bool      `gorm:"column:success"`
	ErrorDetail  *string   `gorm:"column:error_detail"`
	CreatedAt    time.Time `gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (CredentialUsage) TableName() string {
	return "credential_usage"
}
