package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single run when the task sets no override
const DefaultTimeout = 30 * time.Minute

// statusWriteTimeout bounds each StatusStore call
const statusWriteTimeout = 10 * time.Second

// Work is the unit of work a task performs. The returned string becomes the
// persisted status message on success.
type Work func(ctx context.Context) (string, error)

type Outcome int

const (
	OutcomeStarted Outcome = iota + 1
	OutcomeSucceeded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// StatusUpdate is one persisted transition of a task.
// NextRun, Message and Duration are only meaningful for finished runs.
type StatusUpdate struct {
	Outcome  Outcome
	At       time.Time
	NextRun  *time.Time
	Message  string
	Trigger  Trigger
	Duration time.Duration
}

// StatusStore persists task state, one record per task
type StatusStore interface {
	EnsureTask(ctx context.Context, name string, nextRun *time.Time) error
	UpdateStatus(ctx context.Context, name string, update StatusUpdate) error
}

type TaskOption func(*task)

// WithTimeout overrides the runner's default timeout for one task
func WithTimeout(d time.Duration) TaskOption {
	return func(t *task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

type task struct {
	name     string
	expr     string
	schedule cron.Schedule
	work     Work
	timeout  time.Duration
}

// TaskInfo is a read-only view of a registered task
type TaskInfo struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Running  bool
	NextRun  time.Time
}

type Config struct {
	Location       *time.Location
	DefaultTimeout time.Duration
}

// Runner fires registered tasks on their schedules. At most one run of a task
// is in flight at a time; overlapping triggers are skipped, never queued.
type Runner struct {
	store          StatusStore
	loc            *time.Location
	defaultTimeout time.Duration
	now            func() time.Time

	mu      sync.Mutex
	tasks   map[string]*task
	locks   map[string]uint64 // task name -> id of the run holding the lock
	lastID  uint64
	cron    *cron.Cron
	stopped bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg Config, store StatusStore) *Runner {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:          store,
		loc:            loc,
		defaultTimeout: timeout,
		now:            time.Now,
		tasks:          map[string]*task{},
		locks:          map[string]uint64{},
		runCtx:         ctx,
		cancel:         cancel,
	}
}

// Schedule registers a recurring task. Registering after Start adds the
// trigger to the running scheduler.
func (r *Runner) Schedule(name, expr string, work Work, opts ...TaskOption) error {
	if name == "" {
		return fmt.Errorf("task name required")
	}
	if work == nil {
		return fmt.Errorf("task %s: work required", name)
	}
	parsed, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	sched, err := parsed.Schedule()
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}

	t := &task{
		name:     name,
		expr:     expr,
		schedule: sched,
		work:     work,
		timeout:  r.defaultTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}
	r.tasks[name] = t
	if r.cron != nil {
		r.addCronLocked(t)
	}
	return nil
}

// Start persists an initial status row per task and starts the triggers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	if r.cron != nil {
		r.mu.Unlock()
		return nil
	}
	tasks := r.sortedTasksLocked()
	r.mu.Unlock()

	now := r.now().In(r.loc)
	for _, t := range tasks {
		next := t.schedule.Next(now)
		if err := r.store.EnsureTask(ctx, t.name, &next); err != nil {
			return fmt.Errorf("failed to initialise status for task %s: %w", t.name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(r.loc))
	for _, t := range r.sortedTasksLocked() {
		r.addCronLocked(t)
	}
	r.cron.Start()

	log.Info().Int("tasks", len(r.tasks)).Str("tz", r.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the triggers, cancels in-flight runs and waits for them to
// settle or for ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.stopped = true
	r.mu.Unlock()

	// cron's stop waits for the jobs it is running, so cancel them first
	r.cancel()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}

// TriggerNow starts a run of the named task in the background.
// It returns ErrBusy when a run is already in flight.
func (r *Runner) TriggerNow(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t, runID, err := r.acquire(name)
	if err != nil {
		return err
	}
	go r.execute(t, runID, TriggerManual)
	return nil
}

// Tasks lists registered tasks sorted by name
func (r *Runner) Tasks() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().In(r.loc)
	infos := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.sortedTasksLocked() {
		_, running := r.locks[t.name]
		infos = append(infos, TaskInfo{
			Name:     t.name,
			Schedule: t.expr,
			Timeout:  t.timeout,
			Running:  running,
			NextRun:  t.schedule.Next(now),
		})
	}
	return infos
}

// Running reports whether a run of the named task is in flight
func (r *Runner) Running(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, running := r.locks[name]
	return running
}

func (r *Runner) addCronLocked(t *task) {
	name := t.name
	r.cron.Schedule(t.schedule, cron.FuncJob(func() {
		r.fire(name)
	}))
}

func (r *Runner) sortedTasksLocked() []*task {
	tasks := make([]*task, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].name < tasks[j].name })
	return tasks
}

// fire is the scheduled trigger; cron already calls it on its own goroutine
func (r *Runner) fire(name string) {
	t, runID, err := r.acquire(name)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			log.Info().Str("task", name).Msg("previous run still in progress, skipping trigger")
		}
		return
	}
	r.execute(t, runID, TriggerSchedule)
}

// acquire takes the task lock and registers the run with the wait group in
// one step, so Stop never waits on a group that is still growing.
func (r *Runner) acquire(name string) (*task, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, 0, ErrStopped
	}
	t, ok := r.tasks[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if _, held := r.locks[name]; held {
		return nil, 0, fmt.Errorf("%w: %s", ErrBusy, name)
	}
	r.lastID++
	r.locks[name] = r.lastID
	r.wg.Add(1)
	return t, r.lastID, nil
}

func (r *Runner) release(name string, runID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.locks[name] == runID {
		delete(r.locks, name)
	}
}

func (r *Runner) holds(name string, runID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[name] == runID
}

func (r *Runner) execute(t *task, runID uint64, trigger Trigger) {
	defer r.wg.Done()
	defer r.release(t.name, runID)

	started := r.now()
	logger := log.With().Str("task", t.name).Str("trigger", string(trigger)).Uint64("run", runID).Logger()
	logger.Info().Msg("task started")

	r.persist(t.name, runID, StatusUpdate{
		Outcome: OutcomeStarted,
		At:      started,
		Trigger: trigger,
	})

	msg, err := r.race(t)

	finished := r.now()
	next := t.schedule.Next(finished.In(r.loc))
	update := StatusUpdate{
		At:       finished,
		NextRun:  &next,
		Trigger:  trigger,
		Duration: finished.Sub(started),
	}
	if err != nil {
		update.Outcome = OutcomeFailed
		update.Message = err.Error()
		logger.Error().Err(err).Dur("took", update.Duration).Msg("task failed")
	} else {
		update.Outcome = OutcomeSucceeded
		update.Message = msg
		logger.Info().Str("summary", msg).Dur("took", update.Duration).Msg("task completed")
	}
	r.persist(t.name, runID, update)
}

type runResult struct {
	msg string
	err error
}

// race runs the work against the task timeout. The first to settle wins; a
// result arriving after the timeout lands in the buffered channel and is dropped.
func (r *Runner) race(t *task) (string, error) {
	ctx, cancel := context.WithTimeout(r.runCtx, t.timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- runResult{err: fmt.Errorf("%w: %v", ErrPanic, p)}
			}
		}()
		msg, err := t.work(ctx)
		done <- runResult{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		return res.msg, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return "", fmt.Errorf("run cancelled: %w", ctx.Err())
	}
}

func (r *Runner) persist(name string, runID uint64, update StatusUpdate) {
	if !r.holds(name, runID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, name, update); err != nil {
		log.Error().Err(err).Str("task", name).Str("outcome", update.Outcome.String()).Msg("failed to persist task status")
	}
}
