// Package store implements the persistence-layer contracts shared by the
// scheduler engine and the backup pipeline: run records, per-task locks,
// and idempotent per-file bookkeeping. It depends only on *database.DB
// (connection pooling and migrations are a separate, out-of-scope concern).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/database"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// Store wraps the database connection with the persistence operations the
// scheduler and backup pipeline depend on.
type Store struct {
	db *database.DB
}

// New creates a Store over an already-migrated database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity, used by the API's health check.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func wrapTransient(err error) error {
	if err == nil {
		return nil
	}
	return apperr.TransientStore(err, "store operation failed")
}

// CreateTask inserts a new ScheduledTask. Fails with a conflict error if
// task_name collides.
func (s *Store) CreateTask(ctx context.Context, t *models.ScheduledTask) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(task_name, enabled, status, schedule_type, schedule_config,
			 action_type, action_config, backup_task_id, next_run_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskName, t.Enabled, t.Status, t.ScheduleType, t.ScheduleConfig,
		t.ActionType, t.ActionConfig, t.BackupTaskID, t.NextRunTime)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperr.Conflict("task_name %q already exists", t.TaskName)
		}
		return 0, wrapTransient(err)
	}
	return res.LastInsertId()
}

// GetTask loads a ScheduledTask by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*models.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_name, enabled, status, schedule_type, schedule_config,
		       action_type, action_config, backup_task_id,
		       next_run_time, last_run_time, last_success_time, last_failure_time, last_error,
		       total_runs, success_runs, failure_runs, cancelled_runs, average_duration,
		       created_at, updated_at
		FROM scheduled_tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*models.ScheduledTask, error) {
	var t models.ScheduledTask
	err := row.Scan(&t.ID, &t.TaskName, &t.Enabled, &t.Status, &t.ScheduleType, &t.ScheduleConfig,
		&t.ActionType, &t.ActionConfig, &t.BackupTaskID,
		&t.NextRunTime, &t.LastRunTime, &t.LastSuccessTime, &t.LastFailureTime, &t.LastError,
		&t.TotalRuns, &t.SuccessRuns, &t.FailureRuns, &t.CancelledRuns, &t.AverageDuration,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("scheduled task not found")
	}
	if err != nil {
		return nil, wrapTransient(err)
	}
	return &t, nil
}

// ListEnabledTasks returns every enabled ScheduledTask, used at scheduler
// startup to load the in-memory table.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, enabled, status, schedule_type, schedule_config,
		       action_type, action_config, backup_task_id,
		       next_run_time, last_run_time, last_success_time, last_failure_time, last_error,
		       total_runs, success_runs, failure_runs, cancelled_runs, average_duration,
		       created_at, updated_at
		FROM scheduled_tasks WHERE enabled = 1
	`)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var out []*models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		if err := rows.Scan(&t.ID, &t.TaskName, &t.Enabled, &t.Status, &t.ScheduleType, &t.ScheduleConfig,
			&t.ActionType, &t.ActionConfig, &t.BackupTaskID,
			&t.NextRunTime, &t.LastRunTime, &t.LastSuccessTime, &t.LastFailureTime, &t.LastError,
			&t.TotalRuns, &t.SuccessRuns, &t.FailureRuns, &t.CancelledRuns, &t.AverageDuration,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, wrapTransient(err)
		}
		out = append(out, &t)
	}
	return out, wrapTransient(rows.Err())
}

// ListTasks returns every ScheduledTask regardless of enabled state, used
// by the API's listing endpoint (the in-memory scheduler table only holds
// enabled ones).
func (s *Store) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, enabled, status, schedule_type, schedule_config,
		       action_type, action_config, backup_task_id,
		       next_run_time, last_run_time, last_success_time, last_failure_time, last_error,
		       total_runs, success_runs, failure_runs, cancelled_runs, average_duration,
		       created_at, updated_at
		FROM scheduled_tasks ORDER BY id ASC
	`)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var out []*models.ScheduledTask
	for rows.Next() {
		var t models.ScheduledTask
		if err := rows.Scan(&t.ID, &t.TaskName, &t.Enabled, &t.Status, &t.ScheduleType, &t.ScheduleConfig,
			&t.ActionType, &t.ActionConfig, &t.BackupTaskID,
			&t.NextRunTime, &t.LastRunTime, &t.LastSuccessTime, &t.LastFailureTime, &t.LastError,
			&t.TotalRuns, &t.SuccessRuns, &t.FailureRuns, &t.CancelledRuns, &t.AverageDuration,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, wrapTransient(err)
		}
		out = append(out, &t)
	}
	return out, wrapTransient(rows.Err())
}

// UpdateTask persists the full row back (the scheduler computes the patch
// in memory and writes the result here).
func (s *Store) UpdateTask(ctx context.Context, t *models.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			task_name = ?, enabled = ?, status = ?, schedule_type = ?, schedule_config = ?,
			action_type = ?, action_config = ?, backup_task_id = ?,
			next_run_time = ?, last_run_time = ?, last_success_time = ?, last_failure_time = ?, last_error = ?,
			total_runs = ?, success_runs = ?, failure_runs = ?, cancelled_runs = ?, average_duration = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, t.TaskName, t.Enabled, t.Status, t.ScheduleType, t.ScheduleConfig,
		t.ActionType, t.ActionConfig, t.BackupTaskID,
		t.NextRunTime, t.LastRunTime, t.LastSuccessTime, t.LastFailureTime, t.LastError,
		t.TotalRuns, t.SuccessRuns, t.FailureRuns, t.CancelledRuns, t.AverageDuration,
		t.ID)
	return wrapTransient(err)
}

// DeleteTask removes a ScheduledTask and its lock rows.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTransient(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_locks WHERE task_id = ?`, id); err != nil {
		return wrapTransient(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return wrapTransient(err)
	}
	return wrapTransient(tx.Commit())
}

// AcquireTaskLock is a compare-and-set: it returns true iff this caller now
// holds the active lock for taskID. The INSERT...WHERE NOT EXISTS plus the
// partial unique index on (task_id) WHERE is_active together close the
// check-then-insert race the source's read-then-write pattern has.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID int64, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_locks (task_id, execution_id, locked_at, is_active)
		SELECT ?, ?, CURRENT_TIMESTAMP, 1
		WHERE NOT EXISTS (SELECT 1 FROM task_locks WHERE task_id = ? AND is_active = 1)
	`, taskID, executionID, taskID)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race against a concurrent acquirer; fail closed.
			return false, nil
		}
		return false, wrapTransient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapTransient(err)
	}
	return n == 1, nil
}

// ReleaseTaskLock flips is_active=false for the row matching both ids. This
// always runs in a guaranteed-exit block at the caller; a failure here is
// logged by the caller and does not propagate further up.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID int64, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_locks SET is_active = 0
		WHERE task_id = ? AND execution_id = ? AND is_active = 1
	`, taskID, executionID)
	return wrapTransient(err)
}

// ReleaseLocksByTask force-releases every active lock row for one task
// (operator recovery, e.g. UnlockTask after a crash).
func (s *Store) ReleaseLocksByTask(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_locks SET is_active = 0 WHERE task_id = ? AND is_active = 1`, taskID)
	return wrapTransient(err)
}

// ReleaseAllLocks force-releases every active lock row (operator recovery
// after a crash, UnlockAll).
func (s *Store) ReleaseAllLocks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE task_locks SET is_active = 0 WHERE is_active = 1`)
	if err != nil {
		return 0, wrapTransient(err)
	}
	n, err := res.RowsAffected()
	return n, wrapTransient(err)
}

// ResetRunningTasksToActive flips every ScheduledTask.status=running back to
// active, used by UnlockAll to reconcile the two parallel "running" notions
// (see spec.md §9).
func (s *Store) ResetRunningTasksToActive(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE status = ?
	`, models.TaskStatusActive, models.TaskStatusRunning)
	if err != nil {
		return 0, wrapTransient(err)
	}
	n, err := res.RowsAffected()
	return n, wrapTransient(err)
}

// ResetTaskRunningToActive flips one ScheduledTask's status from running to
// active, a no-op (returning false) if its current status is anything else.
func (s *Store) ResetTaskRunningToActive(ctx context.Context, taskID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?
	`, models.TaskStatusActive, taskID, models.TaskStatusRunning)
	if err != nil {
		return false, wrapTransient(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapTransient(err)
	}
	return n == 1, nil
}

// RecordRunStart inserts a TaskRun row with status=running.
func (s *Store) RecordRunStart(ctx context.Context, taskID int64, executionID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (execution_id, task_id, started_at, status)
		VALUES (?, ?, ?, ?)
	`, executionID, taskID, startedAt, models.TaskRunStatusRunning)
	return wrapTransient(err)
}

// RecordRunEnd finalizes a TaskRun with its terminal status, optional result
// payload, and optional error message.
func (s *Store) RecordRunEnd(ctx context.Context, executionID string, endedAt time.Time, status models.TaskRunStatus, result map[string]interface{}, errMsg string) error {
	var resultJSON string
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return apperr.Internal(err, "marshal run result")
		}
		resultJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET completed_at = ?, status = ?, result = ?, error_message = ?
		WHERE execution_id = ?
	`, endedAt, status, nullIfEmpty(resultJSON), nullIfEmpty(errMsg), executionID)
	return wrapTransient(err)
}

// ListTaskRuns returns TaskRuns for one task, most recent first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID int64, limit int) ([]*models.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, task_id, started_at, completed_at, status,
		       COALESCE(result, ''), COALESCE(error_message, '')
		FROM task_runs WHERE task_id = ? ORDER BY started_at DESC LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, wrapTransient(err)
	}
	defer rows.Close()

	var out []*models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		if err := rows.Scan(&r.ID, &r.ExecutionID, &r.TaskID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.Result, &r.ErrorMessage); err != nil {
			return nil, wrapTransient(err)
		}
		out = append(out, &r)
	}
	return out, wrapTransient(rows.Err())
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint violations via an error whose
	// message contains "UNIQUE constraint failed"; there is no typed
	// sentinel exported for it.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
