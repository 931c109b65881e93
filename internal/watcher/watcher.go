package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vipul43/clipdigest-worker/internal/config"
	"github.com/vipul43/clipdigest-worker/internal/scheduler"
)

// Task names, also the job_status primary keys
const (
	TaskContentSync   = "content-sync"
	TaskInboxCheck    = "inbox-check"
	TaskMissingRepair = "missing-data-repair"
	TaskPendingRetry  = "pending-retry"
)

// Scheduler is the subset of scheduler.Runner the watcher drives
type Scheduler interface {
	Schedule(name, expr string, work scheduler.Work, opts ...scheduler.TaskOption) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	TriggerNow(ctx context.Context, name string) error
}

// Processor runs the work behind each task
type Processor interface {
	SyncAll(ctx context.Context) (string, error)
	CheckInbox(ctx context.Context) (string, error)
	RepairMissing(ctx context.Context) (string, error)
	RetryPending(ctx context.Context) (string, error)
}

type Queue interface {
	Close()
	Wait(ctx context.Context) error
}

type Watcher struct {
	cfg       *config.Config
	runner    Scheduler
	processor Processor
	queue     Queue
}

func New(cfg *config.Config, runner Scheduler, processor Processor, queue Queue) *Watcher {
	return &Watcher{
		cfg:       cfg,
		runner:    runner,
		processor: processor,
		queue:     queue,
	}
}

// Register adds the four recurring tasks to the scheduler
func (w *Watcher) Register() error {
	tasks := []struct {
		name string
		expr string
		work scheduler.Work
	}{
		{TaskContentSync, w.cfg.SyncSchedule, w.processor.SyncAll},
		{TaskInboxCheck, w.cfg.InboxSchedule, w.processor.CheckInbox},
		{TaskMissingRepair, w.cfg.RepairSchedule, w.processor.RepairMissing},
		{TaskPendingRetry, w.cfg.RetrySchedule, w.processor.RetryPending},
	}
	for _, t := range tasks {
		if err := w.runner.Schedule(t.name, t.expr, t.work); err != nil {
			return fmt.Errorf("failed to register task %s: %w", t.name, err)
		}
		log.Info().Str("task", t.name).Str("schedule", t.expr).Msg("task registered")
	}
	return nil
}

// Start registers and starts the tasks, then blocks until ctx is cancelled
// and everything has shut down.
func (w *Watcher) Start(ctx context.Context) error {
	log.Info().Msg("Starting watcher...")

	if err := w.Register(); err != nil {
		return err
	}
	if err := w.runner.Start(ctx); err != nil {
		return err
	}

	// Re-queue items left pending by a previous process
	if err := w.runner.TriggerNow(ctx, TaskPendingRetry); err != nil {
		log.Warn().Err(err).Msg("failed to re-queue pending items on startup")
	}

	<-ctx.Done()
	log.Info().Msg("Watcher shutting down...")
	if err := w.shutdown(); err != nil {
		return err
	}
	return ctx.Err()
}

func (w *Watcher) shutdown() error {
	timeout := w.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := w.runner.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	w.queue.Close()
	if err := w.queue.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("submission queue: %w", err))
	}
	return errors.Join(errs...)
}
