package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// fetchBatchSize bounds how many candidate rows a single
// FetchPendingFilesGroupedBySize call pulls from the database before
// grouping them client-side; keeps one fetch bounded regardless of how
// large the backlog is.
const fetchBatchSize = 2000

// FetchPendingFilesGroupedBySize implements the file-group prefetcher's core
// query (spec.md §4.3.1 / §4.4): pull pending files for one backup set past
// startFromID, and bucket them into groups whose cumulative file_size stays
// under maxGroupBytes. One file never crosses a group boundary; an oversize
// file becomes a singleton group. Returns the new cursor (the highest id
// seen), or 0 if nothing was found.
//
// waitIfSmall is accepted for API parity with the persistence contract
// (callers compute it from their retry counter) but does not change this
// SQLite implementation's query plan — it exists for backends where a small
// result set should trigger a longer poll before replying.
func (s *Store) FetchPendingFilesGroupedBySize(ctx context.Context, setID int64, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([][]models.BackupFile, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backup_set_id, file_path, file_name, directory_path, file_type,
		       file_size, modified_time
		FROM backup_files
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_type = 'file' AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, setID, startFromID, fetchBatchSize)
	if err != nil {
		return nil, 0, apperr.TransientStore(err, "fetch pending files")
	}
	defer rows.Close()

	var files []models.BackupFile
	for rows.Next() {
		var f models.BackupFile
		if err := rows.Scan(&f.ID, &f.BackupSetID, &f.FilePath, &f.FileName, &f.DirectoryPath, &f.FileType,
			&f.FileSize, &f.ModifiedTime); err != nil {
			return nil, 0, apperr.TransientStore(err, "scan pending file")
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.TransientStore(err, "iterate pending files")
	}

	if len(files) == 0 {
		return nil, 0, nil
	}

	groups := groupBySize(files, maxGroupBytes)
	newCursor := files[len(files)-1].ID
	return groups, newCursor, nil
}

func groupBySize(files []models.BackupFile, maxGroupBytes int64) [][]models.BackupFile {
	var groups [][]models.BackupFile
	var current []models.BackupFile
	var currentBytes int64

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, f := range files {
		if f.FileSize > maxGroupBytes {
			flush()
			groups = append(groups, []models.BackupFile{f})
			continue
		}
		if currentBytes+f.FileSize > maxGroupBytes && len(current) > 0 {
			flush()
		}
		current = append(current, f)
		currentBytes += f.FileSize
	}
	flush()

	return groups
}

// CountUnmarkedFiles implements the prefetcher's full-database-sweep
// fallback: are there any files left with is_copy_success in {false, null}
// for this backup set, regardless of cursor position?
func (s *Store) CountUnmarkedFiles(ctx context.Context, setID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM backup_files
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_type = 'file'
	`, setID).Scan(&count)
	if err != nil {
		return 0, apperr.TransientStore(err, "count unmarked files")
	}
	return count, nil
}

// MarkFilesAsCopied is a single bulk, idempotent UPDATE: re-marking already
// marked files is a no-op since the WHERE clause only touches rows that are
// still false.
func (s *Store) MarkFilesAsCopied(ctx context.Context, setID int64, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	placeholders := make([]string, len(paths))
	args := make([]interface{}, 0, len(paths)+1)
	args = append(args, setID)
	for i, p := range paths {
		placeholders[i] = "?"
		args = append(args, p)
	}

	query := `
		UPDATE backup_files SET is_copy_success = 1, copy_status_at = CURRENT_TIMESTAMP
		WHERE backup_set_id = ? AND is_copy_success = 0 AND file_path IN (` + strings.Join(placeholders, ",") + `)
	`
	_, err := s.db.ExecContext(ctx, query, args...)
	return wrapTransient(err)
}

// MarkFilesCompressed marks each file of chunkNumber's archive as copied and
// records its chunk number and compressed size.
func (s *Store) MarkFilesCompressed(ctx context.Context, setID int64, chunkNumber int, compressedSizeByPath map[string]int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTransient(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE backup_files SET is_copy_success = 1, copy_status_at = CURRENT_TIMESTAMP,
		       chunk_number = ?, compressed_size = ?
		WHERE backup_set_id = ? AND file_path = ?
	`)
	if err != nil {
		return wrapTransient(err)
	}
	defer stmt.Close()

	for path, size := range compressedSizeByPath {
		if _, err := stmt.ExecContext(ctx, chunkNumber, size, setID, path); err != nil {
			return wrapTransient(err)
		}
	}
	return wrapTransient(tx.Commit())
}

// GetScanStatus reads the external file-scanner's reported status for one
// backup task execution.
func (s *Store) GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT scan_status FROM backup_tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("backup task %d not found", taskID)
	}
	if err != nil {
		return "", apperr.TransientStore(err, "get scan status")
	}
	if !status.Valid || status.String == "" {
		return models.ScanStatusPending, nil
	}
	return models.ScanStatus(status.String), nil
}

// SetScanStatus updates the scan-status handshake field; completedAt is
// recorded only when status transitions to completed.
func (s *Store) SetScanStatus(ctx context.Context, taskID int64, status models.ScanStatus, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET scan_status = ?, scan_completed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, completedAt, taskID)
	return wrapTransient(err)
}

// CreateBackupTaskTemplate inserts a new BackupTask template, the reusable
// configuration scheduled tasks reference by backup_task_id (spec.md §4.2).
func (s *Store) CreateBackupTaskTemplate(ctx context.Context, t *models.BackupTask) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_tasks
			(task_name, is_template, task_type, source_paths, exclude_patterns,
			 compression_enabled, encryption_enabled, retention_days, tape_device)
		VALUES (?, 1, ?, ?, ?, ?, ?, ?, ?)
	`, t.TaskName, t.TaskType, t.SourcePaths, t.ExcludePatterns,
		t.CompressionFlag, t.EncryptionFlag, t.RetentionDays, t.TapeDevice)
	if err != nil {
		return 0, wrapTransient(err)
	}
	return res.LastInsertId()
}

// ListBackupTaskTemplates returns every BackupTask template (is_template=1),
// used by the API's backup-task listing endpoint. Executions are retrieved
// individually via GetBackupTask, not listed in bulk.
func (s *Store) ListBackupTaskTemplates(ctx context.Context) ([]*models.BackupTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_name, is_template, template_id, task_type, source_paths, exclude_patterns,
		       compression_enabled, encryption_enabled, retention_days, tape_device,
		       COALESCE(status, ''), total_files, processed_files, total_bytes, processed_bytes, compressed_bytes,
		       COALESCE(scan_status, ''), scan_completed_at, COALESCE(operation_stage, ''), started_at, completed_at,
		       COALESCE(error_message, ''), backup_set_id, tape_id, created_at, updated_at
		FROM backup_tasks WHERE is_template = 1 ORDER BY id ASC
	`)
	if err != nil {
		return nil, apperr.TransientStore(err, "list backup task templates")
	}
	defer rows.Close()

	var out []*models.BackupTask
	for rows.Next() {
		var t models.BackupTask
		if err := rows.Scan(&t.ID, &t.TaskName, &t.IsTemplate, &t.TemplateID, &t.TaskType, &t.SourcePaths, &t.ExcludePatterns,
			&t.CompressionFlag, &t.EncryptionFlag, &t.RetentionDays, &t.TapeDevice,
			&t.Status, &t.TotalFiles, &t.ProcessedFiles, &t.TotalBytes, &t.ProcessedBytes, &t.CompressedBytes,
			&t.ScanStatus, &t.ScanCompletedAt, &t.OperationStage, &t.StartedAt, &t.CompletedAt,
			&t.ErrorMessage, &t.BackupSetID, &t.TapeID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.TransientStore(err, "scan backup task template")
		}
		out = append(out, &t)
	}
	return out, wrapTransient(rows.Err())
}

// CreateBackupTaskExecution inserts a new execution record inheriting its
// template's configuration, per spec.md §4.2 step 3.
func (s *Store) CreateBackupTaskExecution(ctx context.Context, templateID int64, taskName string) (int64, error) {
	tmpl, err := s.GetBackupTask(ctx, templateID)
	if err != nil {
		return 0, err
	}
	if !tmpl.IsTemplate {
		return 0, apperr.Validation("backup task %d is not a template", templateID)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_tasks
			(task_name, is_template, template_id, task_type, source_paths, exclude_patterns,
			 compression_enabled, encryption_enabled, retention_days, tape_device,
			 status, scan_status, operation_stage)
		VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskName, templateID, tmpl.TaskType, tmpl.SourcePaths, tmpl.ExcludePatterns,
		tmpl.CompressionFlag, tmpl.EncryptionFlag, tmpl.RetentionDays, tmpl.TapeDevice,
		models.BackupTaskPending, models.ScanStatusPending, models.StageScan)
	if err != nil {
		return 0, wrapTransient(err)
	}
	return res.LastInsertId()
}

// GetBackupTask loads a BackupTask (template or execution) by id.
func (s *Store) GetBackupTask(ctx context.Context, id int64) (*models.BackupTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_name, is_template, template_id, task_type, source_paths, exclude_patterns,
		       compression_enabled, encryption_enabled, retention_days, tape_device,
		       COALESCE(status, ''), total_files, processed_files, total_bytes, processed_bytes, compressed_bytes,
		       COALESCE(scan_status, ''), scan_completed_at, COALESCE(operation_stage, ''), started_at, completed_at,
		       COALESCE(error_message, ''), backup_set_id, tape_id, created_at, updated_at
		FROM backup_tasks WHERE id = ?
	`, id)

	var t models.BackupTask
	err := row.Scan(&t.ID, &t.TaskName, &t.IsTemplate, &t.TemplateID, &t.TaskType, &t.SourcePaths, &t.ExcludePatterns,
		&t.CompressionFlag, &t.EncryptionFlag, &t.RetentionDays, &t.TapeDevice,
		&t.Status, &t.TotalFiles, &t.ProcessedFiles, &t.TotalBytes, &t.ProcessedBytes, &t.CompressedBytes,
		&t.ScanStatus, &t.ScanCompletedAt, &t.OperationStage, &t.StartedAt, &t.CompletedAt,
		&t.ErrorMessage, &t.BackupSetID, &t.TapeID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("backup task %d not found", id)
	}
	if err != nil {
		return nil, apperr.TransientStore(err, "get backup task")
	}
	return &t, nil
}

// CountRunningExecutions returns how many BackupTask executions of templateID
// currently have status=running, and the most recently started one's id and
// start time when at least one exists (spec.md §4.2 step 2).
func (s *Store) CountRunningExecutions(ctx context.Context, templateID int64) (count int64, runningID int64, startedAt *time.Time, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(id), 0)
		FROM backup_tasks WHERE template_id = ? AND status = ?
	`, templateID, models.BackupTaskRunning).Scan(&count, &runningID)
	if err != nil {
		return 0, 0, nil, apperr.TransientStore(err, "count running executions")
	}
	if count == 0 {
		return 0, 0, nil, nil
	}
	err = s.db.QueryRowContext(ctx, `SELECT started_at FROM backup_tasks WHERE id = ?`, runningID).Scan(&startedAt)
	if err != nil {
		return count, runningID, nil, apperr.TransientStore(err, "get running execution start time")
	}
	return count, runningID, startedAt, nil
}

// UpdateBackupTaskStatus transitions an execution's status, optionally
// setting started_at/completed_at/error_message.
func (s *Store) UpdateBackupTaskStatus(ctx context.Context, id int64, status models.BackupTaskStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, nullIfEmpty(errMsg), id)
	return wrapTransient(err)
}

// SetBackupTaskStarted marks an execution running and stamps started_at.
func (s *Store) SetBackupTaskStarted(ctx context.Context, id int64, backupSetID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET status = ?, started_at = CURRENT_TIMESTAMP, backup_set_id = ?,
		       operation_stage = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.BackupTaskRunning, backupSetID, models.StageScan, id)
	return wrapTransient(err)
}

// SetBackupTaskStage updates only the operation_stage column.
func (s *Store) SetBackupTaskStage(ctx context.Context, id int64, stage models.OperationStage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET operation_stage = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, stage, id)
	return wrapTransient(err)
}

// SetBackupTaskCompleted marks an execution terminal (completed or failed).
func (s *Store) SetBackupTaskCompleted(ctx context.Context, id int64, status models.BackupTaskStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET status = ?, completed_at = CURRENT_TIMESTAMP, error_message = ?,
		       updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, nullIfEmpty(errMsg), id)
	return wrapTransient(err)
}

// IncrementBackupTaskProgress adds to the processed/compressed counters
// after one group finishes compressing (spec.md §4.3.2 step 3e).
func (s *Store) IncrementBackupTaskProgress(ctx context.Context, id int64, filesDelta, bytesDelta, compressedDelta int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET
			processed_files = processed_files + ?,
			processed_bytes = processed_bytes + ?,
			compressed_bytes = compressed_bytes + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, filesDelta, bytesDelta, compressedDelta, id)
	return wrapTransient(err)
}

// SetBackupTaskTotals records the totals discovered by the file scanner.
func (s *Store) SetBackupTaskTotals(ctx context.Context, id int64, totalFiles, totalBytes int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_tasks SET total_files = ?, total_bytes = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, totalFiles, totalBytes, id)
	return wrapTransient(err)
}

// CreateBackupSet inserts a new BackupSet row for one execution.
func (s *Store) CreateBackupSet(ctx context.Context, set *models.BackupSet) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_sets
			(set_id, set_name, backup_group, status, tape_id, backup_type, backup_time,
			 retention_until, auto_delete, backup_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, set.SetID, set.SetName, set.BackupGroup, set.Status, set.TapeID, set.BackupType, set.BackupTime,
		set.RetentionUntil, set.AutoDelete, set.BackupTaskID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, apperr.Conflict("backup set %q already exists", set.SetID)
		}
		return 0, wrapTransient(err)
	}
	return res.LastInsertId()
}

// FinalizeBackupSet sets a BackupSet's final totals/status once the
// compressor's finalize stage completes (spec.md §4.3.2 step 2, Scenario D).
func (s *Store) FinalizeBackupSet(ctx context.Context, setID int64, status models.BackupSetStatus, totalFiles, totalBytes, compressedBytes int64) error {
	var ratio float64
	if totalBytes > 0 {
		ratio = float64(compressedBytes) / float64(totalBytes)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backup_sets SET status = ?, total_files = ?, total_bytes = ?, compressed_bytes = ?,
		       compression_ratio = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, totalFiles, totalBytes, compressedBytes, ratio, setID)
	return wrapTransient(err)
}

// InsertPendingFiles bulk-inserts BackupFile rows discovered by the external
// file scanner, left with is_copy_success=false for the prefetcher to pick up.
func (s *Store) InsertPendingFiles(ctx context.Context, files []models.BackupFile) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTransient(err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO backup_files
			(backup_set_id, file_path, file_name, directory_path, file_type, file_size, modified_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return wrapTransient(err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, f.BackupSetID, f.FilePath, f.FileName, f.DirectoryPath, f.FileType, f.FileSize, f.ModifiedTime); err != nil {
			return wrapTransient(err)
		}
	}
	return wrapTransient(tx.Commit())
}

// GetBackupSet loads a BackupSet by its numeric id.
func (s *Store) GetBackupSet(ctx context.Context, id int64) (*models.BackupSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, set_id, set_name, backup_group, status, tape_id, backup_type, backup_time,
		       total_files, total_bytes, compressed_bytes, compression_ratio, retention_until,
		       auto_delete, backup_task_id, created_at, updated_at
		FROM backup_sets WHERE id = ?
	`, id)

	var b models.BackupSet
	err := row.Scan(&b.ID, &b.SetID, &b.SetName, &b.BackupGroup, &b.Status, &b.TapeID, &b.BackupType, &b.BackupTime,
		&b.TotalFiles, &b.TotalBytes, &b.CompressedBytes, &b.CompressionRatio, &b.RetentionUntil,
		&b.AutoDelete, &b.BackupTaskID, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("backup set %d not found", id)
	}
	if err != nil {
		return nil, apperr.TransientStore(err, "get backup set")
	}
	return &b, nil
}

// ListBackupFiles returns every BackupFile belonging to a set, used by the
// API's file-listing endpoint.
func (s *Store) ListBackupFiles(ctx context.Context, setID int64) ([]*models.BackupFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, backup_set_id, file_path, file_name, directory_path, file_type, file_size,
		       compressed_size, modified_time, is_copy_success, copy_status_at, chunk_number,
		       COALESCE(checksum, ''), created_at
		FROM backup_files WHERE backup_set_id = ? ORDER BY id ASC
	`, setID)
	if err != nil {
		return nil, apperr.TransientStore(err, "list backup files")
	}
	defer rows.Close()

	var out []*models.BackupFile
	for rows.Next() {
		var f models.BackupFile
		if err := rows.Scan(&f.ID, &f.BackupSetID, &f.FilePath, &f.FileName, &f.DirectoryPath, &f.FileType, &f.FileSize,
			&f.CompressedSize, &f.ModifiedTime, &f.IsCopySuccess, &f.CopyStatusAt, &f.ChunkNumber,
			&f.Checksum, &f.CreatedAt); err != nil {
			return nil, apperr.TransientStore(err, "scan backup file")
		}
		out = append(out, &f)
	}
	return out, wrapTransient(rows.Err())
}
