package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// BackupStore is the subset of store.Store the backup handler needs to
// resolve templates, guard concurrency, and create execution records.
type BackupStore interface {
	GetBackupTask(ctx context.Context, id int64) (*models.BackupTask, error)
	CreateBackupTaskExecution(ctx context.Context, templateID int64, taskName string) (int64, error)
	CountRunningExecutions(ctx context.Context, templateID int64) (count int64, runningID int64, startedAt *time.Time, err error)
}

// BackupEngine performs the actual three-stage backup pipeline (spec.md
// §4.3) against an execution record the handler created. It updates the
// execution record in place and returns the handler's result fields.
type BackupEngine interface {
	RunBackup(ctx context.Context, executionID int64) (backupSetID int64, tapeID int64, totalFiles, totalBytes, processedFiles int64, err error)
}

// BackupHandler implements the most elaborate action_type, backup, per
// spec.md §4.2. Other action kinds are handled by trivialHandler.
type BackupHandler struct {
	store  BackupStore
	engine BackupEngine
	logger *logging.Logger
}

// NewBackupHandler builds a BackupHandler.
func NewBackupHandler(store BackupStore, engine BackupEngine, logger *logging.Logger) *BackupHandler {
	return &BackupHandler{store: store, engine: engine, logger: logger}
}

func (h *BackupHandler) Execute(ctx context.Context, task *models.ScheduledTask, config map[string]interface{}, opts RunOptions) (map[string]interface{}, error) {
	if task.BackupTaskID == nil {
		return nil, apperr.Validation("scheduled task %d has no backup_task_id", task.ID)
	}
	templateID := *task.BackupTaskID

	template, err := h.store.GetBackupTask(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !template.IsTemplate {
		return nil, apperr.Validation("backup_task_id %d does not reference a template", templateID)
	}

	count, runningID, startedAt, err := h.store.CountRunningExecutions(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		sameDay := task.LastRunTime != nil && task.LastRunTime.UTC().Format("2006-01-02") == time.Now().UTC().Format("2006-01-02")
		if sameDay {
			return map[string]interface{}{
				"status":          "skipped",
				"running_task_id": runningID,
			}, nil
		}
		if startedAt != nil && time.Since(*startedAt) <= 24*time.Hour {
			// Not yet stale; still skip to respect the concurrency guard.
			return map[string]interface{}{
				"status":          "skipped",
				"running_task_id": runningID,
			}, nil
		}
		h.logger.Warn("proceeding despite stale running execution", map[string]interface{}{
			"template_id": templateID,
			"running_id":  runningID,
		})
	}

	executionName := fmt.Sprintf("%s-%s", template.TaskName, time.Now().UTC().Format("20060102_150405"))
	executionID, err := h.store.CreateBackupTaskExecution(ctx, templateID, executionName)
	if err != nil {
		return nil, err
	}

	backupSetID, tapeID, totalFiles, totalBytes, processedFiles, err := h.engine.RunBackup(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"backup_task_id":  executionID,
		"backup_set_id":   backupSetID,
		"tape_id":         tapeID,
		"total_files":     totalFiles,
		"total_bytes":     totalBytes,
		"processed_files": processedFiles,
		"template_id":     templateID,
	}, nil
}
