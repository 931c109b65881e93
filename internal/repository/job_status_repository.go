package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vipul43/clipdigest-worker/internal/models"
	"github.com/vipul43/clipdigest-worker/internal/scheduler"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// interruptedMessage is stored on rows left running by a previous process
const interruptedMessage = "interrupted by worker restart"

// JobStatusRepository persists one status row per scheduled task
type JobStatusRepository struct {
	db *gorm.DB
}

func NewJobStatusRepository(db *gorm.DB) *JobStatusRepository {
	return &JobStatusRepository{db: db}
}

// EnsureTask creates the task's row if missing and refreshes its next run time.
// A row still marked running belongs to a dead process and is marked failed.
func (r *JobStatusRepository) EnsureTask(ctx context.Context, name string, nextRun *time.Time) error {
	now := time.Now()
	row := models.JobStatus{
		TaskName:  name,
		Status:    models.JobStateIdle,
		NextRunAt: nextRun,
		CreatedAt: now,
		UpdatedAt: now,
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to create job status: %w", err)
		}

		if err := tx.Model(&models.JobStatus{}).
			Where("task_name = ? AND status = ?", name, models.JobStateRunning).
			Updates(map[string]interface{}{
				"status":     models.JobStateFailed,
				"message":    interruptedMessage,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("failed to clear stale running status: %w", err)
		}

		if err := tx.Model(&models.JobStatus{}).
			Where("task_name = ?", name).
			Updates(map[string]interface{}{
				"next_run_at": nextRun,
				"updated_at":  now,
			}).Error; err != nil {
			return fmt.Errorf("failed to update next run: %w", err)
		}
		return nil
	})
}

// UpdateStatus applies one runner transition to the task's row
func (r *JobStatusRepository) UpdateStatus(ctx context.Context, name string, update scheduler.StatusUpdate) error {
	fields := map[string]interface{}{
		"updated_at": time.Now(),
	}

	switch update.Outcome {
	case scheduler.OutcomeStarted:
		fields["status"] = models.JobStateRunning
		fields["last_run_at"] = update.At
		fields["run_count"] = gorm.Expr("run_count + ?", 1)
	case scheduler.OutcomeSucceeded, scheduler.OutcomeFailed:
		state := models.JobStateSuccess
		if update.Outcome == scheduler.OutcomeFailed {
			state = models.JobStateFailed
		}
		summary, err := json.Marshal(map[string]interface{}{
			"outcome":     update.Outcome.String(),
			"trigger":     update.Trigger,
			"duration_ms": update.Duration.Milliseconds(),
			"finished_at": update.At.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("failed to encode job summary: %w", err)
		}
		fields["status"] = state
		fields["message"] = update.Message
		fields["next_run_at"] = update.NextRun
		fields["summary"] = datatypes.JSON(summary)
	default:
		return fmt.Errorf("unknown outcome %d for task %s", update.Outcome, name)
	}

	result := r.db.WithContext(ctx).Model(&models.JobStatus{}).
		Where("task_name = ?", name).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update job status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobStatusNotFound
	}
	return nil
}

// Get retrieves the status row of one task
func (r *JobStatusRepository) Get(ctx context.Context, name string) (*models.JobStatus, error) {
	var status models.JobStatus
	result := r.db.WithContext(ctx).First(&status, "task_name = ?", name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrJobStatusNotFound
		}
		return nil, fmt.Errorf("failed to get job status: %w", result.Error)
	}
	return &status, nil
}

// List returns all task rows ordered by name
func (r *JobStatusRepository) List(ctx context.Context) ([]models.JobStatus, error) {
	var statuses []models.JobStatus
	if err := r.db.WithContext(ctx).Order("task_name ASC").Find(&statuses).Error; err != nil {
		return nil, fmt.Errorf("failed to list job statuses: %w", err)
	}
	return statuses, nil
}
