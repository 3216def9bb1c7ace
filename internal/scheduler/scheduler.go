package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aidekit/aide/internal/db"
	"github.com/aidekit/aide/internal/executor"
	"github.com/aidekit/aide/internal/notify"
)

// ExecuteFunc produces the result of one task execution. Implementations
// must not panic; all failure information is carried in the result.
type ExecuteFunc func(ctx context.Context, task *db.Task) *executor.Result

// Config carries the scheduler's timing and retention knobs.
type Config struct {
	// DefaultTimeout bounds a run when the task sets no timeout of its own.
	DefaultTimeout time.Duration
	// SyncInterval is the tick at which DB changes are reconciled.
	SyncInterval time.Duration
	// HistoryKeep is the number of most recent runs retained per task.
	HistoryKeep int
}

// DefaultConfig returns the scheduler defaults
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Minute,
		SyncInterval:   10 * time.Second,
		HistoryKeep:    50,
	}
}

// Scheduler manages cron jobs for tasks
type Scheduler struct {
	cron      *cron.Cron
	db        *db.DB
	cfg       Config
	log       *slog.Logger
	exec      ExecuteFunc
	bridge    *notify.Bridge
	jobs      map[int64]cron.EntryID
	cronExprs map[int64]string // Track cron expressions to detect changes
	executing map[int64]bool   // Single-flight markers per task id
	mu        sync.RWMutex
	running   bool
	stopSync  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new scheduler
func New(database *db.DB, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig().SyncInterval
	}
	if cfg.HistoryKeep <= 0 {
		cfg.HistoryKeep = DefaultConfig().HistoryKeep
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		db:        database,
		cfg:       cfg,
		log:       logger,
		jobs:      make(map[int64]cron.EntryID),
		cronExprs: make(map[int64]string),
		executing: make(map[int64]bool),
	}
}

// SetExecutor injects the function that runs a task's payload.
func (s *Scheduler) SetExecutor(exec ExecuteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = exec
}

// SetBridge injects the notification bridge. A nil bridge disables
// notifications.
func (s *Scheduler) SetBridge(bridge *notify.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridge = bridge
}

// Initialize verifies the task store is readable and cleans up runs left
// in "running" by a previous process. Storage errors surface; the
// scheduler never continues silently with an empty task set.
func (s *Scheduler) Initialize() error {
	if _, err := s.db.ListTasks(); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	stale, err := s.db.MarkStaleRunsAsFailed()
	if err != nil {
		return fmt.Errorf("failed to clean up stale runs: %w", err)
	}
	if stale > 0 {
		s.log.Warn("marked stale runs as failed", "count", stale)
	}
	return nil
}

// Start schedules all enabled tasks and begins the reconcile loop.
// Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.exec == nil {
		return fmt.Errorf("no executor configured")
	}

	tasks, err := s.db.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	for _, task := range tasks {
		if task.Enabled && task.CronExpr != "" {
			if err := s.scheduleTaskLocked(task); err != nil {
				// Log error but continue with other tasks
				s.log.Error("failed to schedule task", "task_id", task.ID, "error", err)
			}
		}
	}

	s.cron.Start()
	s.running = true
	s.stopSync = make(chan struct{})

	// Reconcile DB changes in the background
	go s.syncLoop(s.stopSync)

	return nil
}

// Stop cancels the tick and waits for in-flight executions to finish.
// Running executions are never force-cancelled. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopSync := s.stopSync
	s.mu.Unlock()

	close(stopSync)

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
}

// AddTask schedules a new task
func (s *Scheduler) AddTask(task *db.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scheduleTaskLocked(task)
}

// RemoveTask removes a task from the scheduler
func (s *Scheduler) RemoveTask(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeTaskLocked(taskID)
}

func (s *Scheduler) removeTaskLocked(taskID int64) {
	if entryID, ok := s.jobs[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, taskID)
		delete(s.cronExprs, taskID)
	}
}

// UpdateTask updates a task's schedule
func (s *Scheduler) UpdateTask(task *db.Task) error {
	s.RemoveTask(task.ID)
	if task.Enabled && task.CronExpr != "" {
		return s.AddTask(task)
	}
	return nil
}

// GetNextRunTime returns the next scheduled run time for a task
func (s *Scheduler) GetNextRunTime(taskID int64) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, ok := s.jobs[taskID]; ok {
		entry := s.cron.Entry(entryID)
		if !entry.Next.IsZero() {
			return &entry.Next
		}
	}
	return nil
}

func (s *Scheduler) scheduleTaskLocked(task *db.Task) error {
	// Remove existing job if any
	s.removeTaskLocked(task.ID)

	taskID := task.ID

	entryID, err := s.cron.AddFunc(task.CronExpr, func() {
		// Get fresh task data from DB
		freshTask, err := s.db.GetTask(taskID)
		if err != nil {
			s.log.Error("failed to load task for scheduled run", "task_id", taskID, "error", err)
			return
		}
		if !freshTask.Enabled {
			return
		}
		s.dispatch(freshTask)

		// Update next run time in DB after dispatch
		s.mu.RLock()
		if eid, ok := s.jobs[taskID]; ok {
			entry := s.cron.Entry(eid)
			if !entry.Next.IsZero() {
				freshTask.NextRunAt = &entry.Next
				_ = s.db.UpdateTask(freshTask)
			}
		}
		s.mu.RUnlock()
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	s.jobs[task.ID] = entryID
	s.cronExprs[task.ID] = task.CronExpr

	// Update next run time in DB
	entry := s.cron.Entry(entryID)
	if !entry.Next.IsZero() {
		task.NextRunAt = &entry.Next
		_ = s.db.UpdateTask(task)
	}

	return nil
}

// RunTaskNow executes a task immediately, subject to the same
// single-flight guarantee as scheduled runs.
func (s *Scheduler) RunTaskNow(taskID int64) error {
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("task not found: %w", err)
	}

	// Counted before spawning; Stop waits on the group, so the count must
	// never trail the goroutine.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(task)
	}()

	return nil
}

// dispatch runs one task execution end to end: single-flight acquisition,
// timeout enforcement, result recording, retention trim and notification.
func (s *Scheduler) dispatch(task *db.Task) {
	if !s.tryAcquire(task.ID) {
		s.log.Warn("task already executing, skipping run", "task_id", task.ID, "name", task.Name)
		return
	}
	defer s.release(task.ID)

	timeout := s.cfg.DefaultTimeout
	if task.TimeoutMs != nil && *task.TimeoutMs > 0 {
		timeout = time.Duration(*task.TimeoutMs) * time.Millisecond
	}

	startedAt := time.Now()
	run := &db.TaskRun{
		TaskID:    task.ID,
		Status:    db.RunStatusRunning,
		StartedAt: startedAt,
	}
	if err := s.db.CreateTaskRun(run); err != nil {
		s.log.Error("failed to create run record", "task_id", task.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exec := s.executorFunc()
	resCh := make(chan *executor.Result, 1)
	go func() {
		resCh <- exec(ctx, task)
	}()

	// Race the execution against the deadline. On timeout the run is
	// recorded failed immediately; the underlying agent call is cancelled
	// via ctx but its eventual result is discarded either way.
	select {
	case res := <-resCh:
		completedAt := res.CompletedAt
		run.Status = res.Status
		run.CompletedAt = &completedAt
		run.Output = res.Output
		run.StepOutputs = res.StepOutputs
		run.Error = res.Error
		run.ModelUsed = res.ModelUsed
		run.Usage = res.Usage
	case <-ctx.Done():
		completedAt := time.Now()
		run.Status = db.RunStatusFailed
		run.CompletedAt = &completedAt
		run.Error = fmt.Sprintf("Task execution timed out after %s", timeout)
	}

	if err := s.db.UpdateTaskRun(run); err != nil {
		s.log.Error("failed to record run result", "task_id", task.ID, "run_id", run.ID, "error", err)
	}

	// Update the task's last run time
	task.LastRunAt = run.CompletedAt
	if err := s.db.UpdateTask(task); err != nil {
		s.log.Error("failed to update task after run", "task_id", task.ID, "error", err)
	}

	if _, err := s.db.TrimTaskRuns(task.ID, s.historyKeep()); err != nil {
		s.log.Error("failed to trim run history", "task_id", task.ID, "error", err)
	}

	s.notifyResult(task, run)
}

// historyKeep resolves the run retention limit, preferring the settings
// table over the configured default.
func (s *Scheduler) historyKeep() int {
	keep, err := s.db.GetHistoryKeep()
	if err != nil || keep <= 0 {
		return s.cfg.HistoryKeep
	}
	return keep
}

// tryAcquire sets the single-flight marker for a task id. Returns false
// when an execution of the same task is still in flight.
func (s *Scheduler) tryAcquire(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.executing[taskID] {
		return false
	}
	s.executing[taskID] = true
	return true
}

func (s *Scheduler) release(taskID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executing, taskID)
}

func (s *Scheduler) executorFunc() ExecuteFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec
}

// notifyResult hands the run to the notification bridge. Bridge problems
// are logged and never change the recorded run status.
func (s *Scheduler) notifyResult(task *db.Task, run *db.TaskRun) {
	s.mu.RLock()
	bridge := s.bridge
	s.mu.RUnlock()
	if bridge == nil {
		return
	}

	defaults, err := s.db.GetDefaultChannels()
	if err != nil {
		s.log.Warn("failed to load default notification channels", "error", err)
	}

	event := notify.Event{
		Kind:   "task_" + string(run.Status),
		TaskID: task.ID,
		Status: string(run.Status),
	}

	var title, body string
	if run.Status == db.RunStatusCompleted {
		title = fmt.Sprintf("✅ Task completed: %s", task.Name)
		body = run.Output
	} else {
		title = fmt.Sprintf("❌ Task failed: %s", task.Name)
		body = run.Error
	}

	bridge.Notify(event, notify.Request{
		Channels: task.NotifyChannels,
		Default:  defaults,
		Title:    title,
		Body:     body,
	})
}

// syncLoop periodically syncs tasks from DB
func (s *Scheduler) syncLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.SyncTasks()
		}
	}
}

// SyncTasks reloads tasks from DB and updates the cron schedule
func (s *Scheduler) SyncTasks() {
	tasks, err := s.db.ListTasks()
	if err != nil {
		s.log.Error("failed to sync tasks", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Build set of current task IDs in DB
	dbTaskIDs := make(map[int64]bool)
	for _, task := range tasks {
		dbTaskIDs[task.ID] = true
	}

	// Remove jobs for tasks that no longer exist
	for taskID := range s.jobs {
		if !dbTaskIDs[taskID] {
			s.removeTaskLocked(taskID)
		}
	}

	// Add/update tasks
	for _, task := range tasks {
		_, scheduled := s.jobs[task.ID]
		oldCronExpr := s.cronExprs[task.ID]
		schedulable := task.Enabled && task.CronExpr != ""

		if schedulable && !scheduled {
			// Task should be scheduled but isn't
			_ = s.scheduleTaskLocked(task)
		} else if !schedulable && scheduled {
			// Task shouldn't be scheduled but is
			s.removeTaskLocked(task.ID)
		} else if schedulable && scheduled && task.CronExpr != oldCronExpr {
			// Cron expression changed, reschedule
			_ = s.scheduleTaskLocked(task)
		}
	}
}
