package models

import (
	"time"

	"gorm.io/datatypes"
)

type JobState string

const (
	JobStateIdle    JobState = "idle"
	JobStateRunning JobState = "running"
	JobStateSuccess JobState = "success"
	JobStateFailed  JobState = "failed"
)

// JobStatus is the persisted state of one scheduled task (one row per task)
type JobStatus struct {
	TaskName  string         `gorm:"column:task_name;primaryKey"`
	Status    JobState       `gorm:"column:status"`
	LastRunAt *time.Time     `gorm:"column:last_run_at"`
	NextRunAt *time.Time     `gorm:"column:next_run_at"`
	Message   *string        `gorm:"column:message"`
	RunCount  int            `gorm:"column:run_count"`
	Summary   datatypes.JSON `gorm:"column:summary;type:jsonb"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (JobStatus) TableName() string {
	return "job_status"
}
