package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/database"
	"github.com/RoseOO/TapeBackarr/internal/dispatcher"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/store"
)

// failingHandler always fails, for exercising the scheduler's failure path.
type failingHandler struct{}

func (failingHandler) Execute(ctx context.Context, task *models.ScheduledTask, config map[string]interface{}, opts dispatcher.RunOptions) (map[string]interface{}, error) {
	return nil, errors.New("simulated action failure")
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	logger, err := logging.NewLogger("warn", "text", "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	audit := logging.NewAuditLogger(db, logger)

	st := store.New(db)
	disp := dispatcher.New()
	disp.Register(models.ActionHealthCheck, dispatcher.NewTrivialHandler(models.ActionHealthCheck))

	return NewService(st, disp, logger, audit, nil, 50*time.Millisecond)
}

func newTask(name string, enabled bool) *models.ScheduledTask {
	return &models.ScheduledTask{
		TaskName:       name,
		Enabled:        enabled,
		ScheduleType:   models.ScheduleInterval,
		ScheduleConfig: `{"interval":3600,"unit":"seconds"}`,
		ActionType:     models.ActionHealthCheck,
		ActionConfig:   "{}",
	}
}

func TestAddTaskComputesNextRun(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t1, err := s.AddTask(ctx, newTask("nightly", true))
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}
	if t1.ID == 0 {
		t.Fatal("expected a persisted ID")
	}
	if t1.NextRunTime == nil {
		t.Fatal("expected next_run_time to be computed for an enabled task")
	}
}

func TestAddTaskDisabledHasNoNextRun(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t1, err := s.AddTask(ctx, newTask("paused-on-create", false))
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}
	if t1.NextRunTime != nil {
		t.Error("expected no next_run_time for a disabled task")
	}
}

func TestUpdateTaskDisableDropsFromMemory(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t1, err := s.AddTask(ctx, newTask("toggle", true))
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	if _, err := s.Disable(ctx, t1.ID); err != nil {
		t.Fatalf("failed to disable task: %v", err)
	}

	s.mu.RLock()
	_, stillLoaded := s.tasks[t1.ID]
	s.mu.RUnlock()
	if stillLoaded {
		t.Error("expected disabled task to be dropped from the in-memory table")
	}
}

func TestRunTaskNowLaunchesExecution(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t1, err := s.AddTask(ctx, newTask("adhoc", false))
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	if err := s.RunTaskNow(ctx, t1.ID); err != nil {
		t.Fatalf("run-now failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		runs, err := s.store.ListTaskRuns(ctx, t1.ID, 10)
		if err != nil {
			t.Fatalf("failed to list runs: %v", err)
		}
		if len(runs) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one task run to be recorded")
}

func TestFailedRunDoesNotAdvanceNextRunTime(t *testing.T) {
	s := newTestService(t)
	s.dispatcher.Register(models.ActionCustom, failingHandler{})
	ctx := context.Background()

	task := newTask("always-fails", true)
	task.ActionType = models.ActionCustom
	t1, err := s.AddTask(ctx, task)
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}
	originalNextRun := *t1.NextRunTime

	s.RunTaskNow(ctx, t1.ID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		refreshed, err := s.store.GetTask(ctx, t1.ID)
		if err != nil {
			t.Fatalf("failed to reload task: %v", err)
		}
		if refreshed.Status == models.TaskStatusError {
			if !refreshed.NextRunTime.Equal(originalNextRun) {
				t.Errorf("expected next_run_time to stay at %v after a failed run, got %v", originalNextRun, refreshed.NextRunTime)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected the run to finish in the error state")
}

func TestUnlockAllTasksResetsRunning(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	t1, err := s.AddTask(ctx, newTask("stuck", true))
	if err != nil {
		t.Fatalf("failed to add task: %v", err)
	}
	if _, err := s.UpdateTask(ctx, t1.ID, func(t *models.ScheduledTask) {
		t.Status = models.TaskStatusRunning
	}); err != nil {
		t.Fatalf("failed to mark task running: %v", err)
	}

	reset, err := s.UnlockAllTasks(ctx)
	if err != nil {
		t.Fatalf("unlock-all failed: %v", err)
	}
	if reset != 1 {
		t.Errorf("expected 1 task reset, got %d", reset)
	}

	refreshed, err := s.store.GetTask(ctx, t1.ID)
	if err != nil {
		t.Fatalf("failed to reload task: %v", err)
	}
	if refreshed.Status != models.TaskStatusActive {
		t.Errorf("expected status active after unlock-all, got %s", refreshed.Status)
	}
}

func TestStartAndStop(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	if _, err := s.AddTask(ctx, newTask("ticking", true)); err != nil {
		t.Fatalf("failed to add task: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("failed to start scheduler: %v", err)
	}
	s.Stop()
}
