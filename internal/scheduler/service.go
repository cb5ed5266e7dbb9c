// Package scheduler implements the persistent, single-fired, lock-guarded
// scheduler engine (spec.md §4.1): a tick loop that fires due ScheduledTasks,
// guarded by per-task CAS locks, with a guaranteed-exit release and
// running-mean duration tracking.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RoseOO/TapeBackarr/internal/dispatcher"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/store"
)

// Notifier reports task-run outcomes to an operational notification
// channel (spec.md §7: "Successful runs also emit a notification if
// configured.").
type Notifier interface {
	NotifyRunSucceeded(ctx context.Context, taskName string, durationSeconds int64)
	NotifyRunFailed(ctx context.Context, taskName string, errMsg string)
}

type noopNotifier struct{}

func (noopNotifier) NotifyRunSucceeded(context.Context, string, int64) {}
func (noopNotifier) NotifyRunFailed(context.Context, string, string)   {}

// Service is the scheduler engine: a driver loop plus the task CRUD and
// lock-recovery operations spec.md §4.1 names.
type Service struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	logger     *logging.Logger
	audit      *logging.AuditLogger
	notifier   Notifier

	tickInterval time.Duration

	mu      sync.RWMutex
	tasks   map[int64]*models.ScheduledTask
	running map[int64]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the scheduler engine. notifier may be nil, in which
// case run outcomes are not reported anywhere beyond the log and DB.
func NewService(st *store.Store, d *dispatcher.Dispatcher, logger *logging.Logger, audit *logging.AuditLogger, notifier Notifier, tickInterval time.Duration) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:        st,
		dispatcher:   d,
		logger:       logger,
		audit:        audit,
		notifier:     notifier,
		tickInterval: tickInterval,
		tasks:        make(map[int64]*models.ScheduledTask),
		running:      make(map[int64]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start loads every enabled task and begins the tick loop. Per spec.md
// §4.1 "Startup recovery", it does not itself call UnlockAll — callers
// decide whether to do that (see cmd/tapebackarr/main.go).
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler", nil)

	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.tickLoop()

	return nil
}

// Stop cancels the tick loop and every in-flight execution, then waits for
// them to exit.
func (s *Service) Stop() {
	s.logger.Info("stopping scheduler", nil)
	s.cancel()

	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// UnlockAllTasks releases every active lock and resets every ScheduledTask
// whose status is running back to active (spec.md §4.1 "Startup recovery",
// Scenario F). Grounded on original_source/utils/scheduler/task_unlocker.py.
func (s *Service) UnlockAllTasks(ctx context.Context) (int, error) {
	released, err := s.store.ReleaseAllLocks(ctx)
	if err != nil {
		return 0, err
	}
	reset, err := s.store.ResetRunningTasksToActive(ctx)
	if err != nil {
		return 0, err
	}
	if s.audit != nil {
		s.audit.Log("operator", "unlock_all", "scheduled_task", nil, map[string]interface{}{
			"locks_released": released,
			"tasks_reset":    reset,
		})
	}
	s.logger.Info("unlocked all tasks", map[string]interface{}{
		"locks_released": released,
		"tasks_reset":    reset,
	})
	return int(reset), nil
}

// UnlockTask releases task id's lock and, if its status is currently
// running, resets it to active; otherwise it is a log-only no-op.
// Grounded on unlock_task_and_reset_status in task_unlocker.py.
func (s *Service) UnlockTask(ctx context.Context, id int64) error {
	if err := s.store.ReleaseLocksByTask(ctx, id); err != nil {
		return err
	}
	reset, err := s.store.ResetTaskRunningToActive(ctx, id)
	if err != nil {
		return err
	}
	if s.audit != nil {
		s.audit.Log("operator", "unlock_task", "scheduled_task", &id, map[string]interface{}{"reset": reset})
	}
	if reset {
		s.logger.Info("task unlocked and reset to active", map[string]interface{}{"task_id": id})
	} else {
		s.logger.Info("task unlocked; no reset needed", map[string]interface{}{"task_id": id})
	}
	return nil
}

// AddTask persists a new ScheduledTask, computes its next_run_time if
// enabled, and loads it into the in-memory table.
func (s *Service) AddTask(ctx context.Context, t *models.ScheduledTask) (*models.ScheduledTask, error) {
	if t.Status == "" {
		t.Status = models.TaskStatusActive
	}
	if t.Enabled {
		next, err := ComputeNextRun(t.ScheduleType, t.ScheduleConfig, time.Now(), t.LastRunTime, t.LastSuccessTime)
		if err != nil {
			return nil, err
		}
		t.NextRunTime = next
	}

	id, err := s.store.CreateTask(ctx, t)
	if err != nil {
		return nil, err
	}
	t.ID = id

	if t.Enabled {
		s.mu.Lock()
		s.tasks[t.ID] = t
		s.mu.Unlock()
	}

	return t, nil
}

// UpdateTask applies a patch function to the persisted task, recomputes
// next_run_time, and refreshes (or drops, if now disabled) the in-memory
// entry. Schedule edits (PUT /scheduled-tasks/{id}, Enable, Disable,
// StopTask) go through here and always get a fresh next_run_time.
func (s *Service) UpdateTask(ctx context.Context, id int64, patch func(*models.ScheduledTask)) (*models.ScheduledTask, error) {
	return s.updateTask(ctx, id, patch, true)
}

// updateTask is UpdateTask's internal form. recomputeNext gates whether
// next_run_time is pushed forward: the mark-running step and the failure
// path must leave it untouched (spec.md §4.1 step 6 lists no recompute on
// failure; original_source/utils/scheduler/task_executor.py's except branch
// only ever logs calculate_next_run_time for display, never persists it —
// a failing task keeps retrying at its existing next_run_time instead of
// jumping to the following period). Only a successful completion or an
// explicit schedule edit recomputes it.
func (s *Service) updateTask(ctx context.Context, id int64, patch func(*models.ScheduledTask), recomputeNext bool) (*models.ScheduledTask, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	patch(t)

	if t.Enabled && recomputeNext {
		next, err := ComputeNextRun(t.ScheduleType, t.ScheduleConfig, time.Now(), t.LastRunTime, t.LastSuccessTime)
		if err != nil {
			return nil, err
		}
		t.NextRunTime = next
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if t.Enabled {
		s.tasks[t.ID] = t
	} else {
		// Disabling drops it from the in-memory table but does not cancel
		// an in-flight run (spec.md §4.1 UpdateTask).
		delete(s.tasks, t.ID)
	}
	s.mu.Unlock()

	return t, nil
}

// DeleteTask cancels any in-flight run, removes lock rows, and deletes the
// task row.
func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	return s.store.DeleteTask(ctx, id)
}

// Enable turns a task on: recomputes next_run_time and loads it into the
// in-memory table.
func (s *Service) Enable(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	return s.UpdateTask(ctx, id, func(t *models.ScheduledTask) {
		t.Enabled = true
		if t.Status == models.TaskStatusInactive {
			t.Status = models.TaskStatusActive
		}
	})
}

// Disable turns a task off: it stops firing but any in-flight run continues.
func (s *Service) Disable(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	return s.UpdateTask(ctx, id, func(t *models.ScheduledTask) {
		t.Enabled = false
		t.Status = models.TaskStatusInactive
	})
}

// StopTask cancels the in-flight execution (if any) and sets status=paused.
func (s *Service) StopTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	if cancel, ok := s.running[id]; ok {
		cancel()
	}
	s.mu.Unlock()

	_, err := s.UpdateTask(ctx, id, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusPaused
	})
	return err
}

// RunTaskNow launches an execution immediately, bypassing the next_run_time
// check but still taking the lock.
func (s *Service) RunTaskNow(ctx context.Context, id int64) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.launchExecution(t, dispatcher.RunOptions{Manual: true})
	return nil
}

// tickLoop wakes every tickInterval and launches executions for due tasks.
// It never blocks on an execution (spec.md §4.1 "Tick algorithm").
func (s *Service) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.fireDueTasks()
		}
	}
}

func (s *Service) fireDueTasks() {
	now := time.Now()

	s.mu.RLock()
	var due []*models.ScheduledTask
	for _, t := range s.tasks {
		if t.Enabled && t.NextRunTime != nil && !now.Before(*t.NextRunTime) {
			due = append(due, t)
		}
	}
	s.mu.RUnlock()

	for _, t := range due {
		s.launchExecution(t, dispatcher.RunOptions{})
	}
}

// launchExecution spawns the execution lifecycle in its own goroutine
// (spec.md §4.1 "Execution lifecycle") and registers it in running_executions
// so the tick loop never blocks.
func (s *Service) launchExecution(t *models.ScheduledTask, opts dispatcher.RunOptions) {
	execCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.running[t.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, t.ID)
			s.mu.Unlock()
			cancel()
		}()
		s.runExecution(execCtx, t, opts)
	}()
}

// runExecution is the execution lifecycle: acquire lock, write TaskRun,
// mark running, dispatch, record outcome, always release the lock.
func (s *Service) runExecution(ctx context.Context, t *models.ScheduledTask, opts dispatcher.RunOptions) {
	executionID := uuid.NewString()

	acquired, err := s.store.AcquireTaskLock(ctx, t.ID, executionID)
	if err != nil {
		s.logger.Error("lock acquisition failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		return
	}
	if !acquired {
		s.logger.Info("skipped — already running", map[string]interface{}{"task_id": t.ID, "task_name": t.TaskName})
		return
	}

	// Guaranteed-exit lock release, even on cancellation (spec.md §4.1 step 7).
	defer func() {
		if err := s.store.ReleaseTaskLock(context.Background(), t.ID, executionID); err != nil {
			s.logger.Error("lock release failed", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		}
	}()

	startedAt := time.Now()
	if err := s.store.RecordRunStart(ctx, t.ID, executionID, startedAt); err != nil {
		s.logger.Error("failed to record run start", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	if _, err := s.updateTask(ctx, t.ID, func(cur *models.ScheduledTask) {
		cur.Status = models.TaskStatusRunning
		cur.LastRunTime = &startedAt
	}, false); err != nil {
		s.logger.Error("failed to mark task running", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	var actionConfig map[string]interface{}
	if t.ActionConfig != "" {
		if err := json.Unmarshal([]byte(t.ActionConfig), &actionConfig); err != nil {
			s.finishFailure(ctx, t, executionID, startedAt, fmt.Sprintf("invalid action_config: %v", err))
			return
		}
	}

	result, dispatchErr := s.dispatcher.Dispatch(ctx, t, actionConfig, opts)
	if dispatchErr != nil {
		s.finishFailure(ctx, t, executionID, startedAt, dispatchErr.Error())
		return
	}

	s.finishSuccess(ctx, t, executionID, startedAt, result)
}

func (s *Service) finishSuccess(ctx context.Context, t *models.ScheduledTask, executionID string, startedAt time.Time, result map[string]interface{}) {
	completedAt := time.Now()
	durationSeconds := int64(completedAt.Sub(startedAt).Seconds())

	if err := s.store.RecordRunEnd(ctx, executionID, completedAt, models.TaskRunStatusSuccess, result, ""); err != nil {
		s.logger.Error("failed to record run end", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	if _, err := s.updateTask(ctx, t.ID, func(cur *models.ScheduledTask) {
		cur.TotalRuns++
		cur.SuccessRuns++
		cur.LastSuccessTime = &completedAt
		cur.Status = models.TaskStatusActive
		cur.AverageDuration = runningMean(cur.AverageDuration, durationSeconds, cur.TotalRuns)
	}, true); err != nil {
		s.logger.Error("failed to update task counters", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	s.notifier.NotifyRunSucceeded(ctx, t.TaskName, durationSeconds)
}

func (s *Service) finishFailure(ctx context.Context, t *models.ScheduledTask, executionID string, startedAt time.Time, errMsg string) {
	completedAt := time.Now()

	if err := s.store.RecordRunEnd(ctx, executionID, completedAt, models.TaskRunStatusFailed, nil, errMsg); err != nil {
		s.logger.Error("failed to record run end", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	if _, err := s.updateTask(ctx, t.ID, func(cur *models.ScheduledTask) {
		cur.TotalRuns++
		cur.FailureRuns++
		cur.LastFailureTime = &completedAt
		cur.LastError = errMsg
		cur.Status = models.TaskStatusError
	}, false); err != nil {
		s.logger.Error("failed to update task counters", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}

	s.notifier.NotifyRunFailed(ctx, t.TaskName, errMsg)
}

// runningMean implements spec.md §4.1's non-true running-mean update:
// round((old+new)/2).
func runningMean(old, sample, totalRuns int64) int64 {
	if totalRuns <= 1 {
		return sample
	}
	return (old + sample + 1) / 2 // integer round-half-up of (old+sample)/2
}
