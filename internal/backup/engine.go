package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
	"github.com/RoseOO/TapeBackarr/internal/store"
	"github.com/RoseOO/TapeBackarr/internal/tape"
)

// Config holds the staging/sizing knobs the Engine needs from
// config.BackupConfig, kept as plain fields to avoid an import cycle with
// the config package.
type Config struct {
	WorkDir           string
	FinalDir          string
	MaxGroupBytes     int64
	Codec             string
	CompressorRetries int
	TapeMoverInterval time.Duration
}

// Engine implements dispatcher.BackupEngine: given an already-created
// execution record, it runs the prefetcher/compressor/tape-mover pipeline
// to completion and reports final totals.
type Engine struct {
	store  *store.Store
	mover  tape.Mover
	cfg    Config
	logger *logging.Logger
}

// NewEngine builds a backup Engine.
func NewEngine(st *store.Store, mover tape.Mover, cfg Config, logger *logging.Logger) *Engine {
	return &Engine{store: st, mover: mover, cfg: cfg, logger: logger}
}

// RunBackup executes one BackupTask execution end to end (spec.md §4.3):
// create its BackupSet, run the three pipeline stages concurrently, and
// finalize both records. It satisfies dispatcher.BackupEngine.
func (e *Engine) RunBackup(ctx context.Context, executionID int64) (backupSetID, tapeID, totalFiles, totalBytes, processedFiles int64, err error) {
	execution, err := e.store.GetBackupTask(ctx, executionID)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}

	setID, err := e.createBackupSet(ctx, execution)
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}

	if err := e.store.SetBackupTaskStarted(ctx, executionID, setID); err != nil {
		e.logger.Warn("failed to mark execution started", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
	}

	// Per spec.md §4.3.1/§6, archives live under {compress_dir}/work/{set_id}/
	// while in progress and {compress_dir}/final/{set_id}/ once ready; the
	// tape-mover stage watches across every set_id subdirectory of final/.
	setDirName := fmt.Sprintf("%d", setID)
	setWorkDir := filepath.Join(e.cfg.WorkDir, setDirName)
	setFinalDir := filepath.Join(e.cfg.FinalDir, setDirName)

	prefetcher := NewPrefetcher(e.store, setID, executionID, e.cfg.MaxGroupBytes, e.logger)
	compressor, err := NewCompressorStage(e.store, setID, executionID, setWorkDir, setFinalDir, e.cfg.Codec, e.cfg.CompressorRetries, e.logger)
	if err != nil {
		e.failExecution(ctx, executionID, setID, err)
		return 0, 0, 0, 0, 0, err
	}
	moverStage := NewTapeMoverStage(e.cfg.FinalDir, e.mover, e.cfg.TapeMoverInterval, e.logger)

	pipelineCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var moverErr, compressErr error
	var compressedFiles, compressedProcessedBytes, compressedBytes int64
	var compressorFinished int32

	wg.Add(1)
	go func() {
		defer wg.Done()
		prefetcher.Run(pipelineCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.store.SetBackupTaskStage(pipelineCtx, executionID, models.StageCompress); err != nil {
			e.logger.Warn("failed to set stage=compress", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
		}
		compressedFiles, compressedProcessedBytes, compressedBytes, compressErr = compressor.Drain(pipelineCtx, prefetcher)
		atomic.StoreInt32(&compressorFinished, 1)
		if compressErr != nil {
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.store.SetBackupTaskStage(pipelineCtx, executionID, models.StageCopy); err != nil {
			e.logger.Warn("failed to set stage=copy", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
		}
		moverErr = moverStage.Run(pipelineCtx, func() bool { return atomic.LoadInt32(&compressorFinished) == 1 })
	}()

	wg.Wait()

	if compressErr != nil {
		e.failExecution(ctx, executionID, setID, compressErr)
		return setID, 0, 0, 0, 0, compressErr
	}
	if moverErr != nil {
		e.failExecution(ctx, executionID, setID, moverErr)
		return setID, 0, 0, 0, 0, moverErr
	}

	if err := e.store.SetBackupTaskStage(ctx, executionID, models.StageFinalize); err != nil {
		e.logger.Warn("failed to set stage=finalize", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
	}
	if err := e.store.FinalizeBackupSet(ctx, setID, models.BackupSetStatusCompleted, compressedFiles, compressedProcessedBytes, compressedBytes); err != nil {
		e.logger.Warn("failed to finalize backup set", map[string]interface{}{"backup_set_id": setID, "error": err.Error()})
	}
	if err := e.store.SetBackupTaskCompleted(ctx, executionID, models.BackupTaskCompleted, ""); err != nil {
		e.logger.Warn("failed to mark execution completed", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
	}

	return setID, parseTapeID(e.mover.CurrentTapeID()), compressedFiles, compressedProcessedBytes, compressedFiles, nil
}

func (e *Engine) createBackupSet(ctx context.Context, execution *models.BackupTask) (int64, error) {
	now := time.Now().UTC()
	set := &models.BackupSet{
		SetID:        fmt.Sprintf("set-%d-%s", execution.ID, now.Format("20060102150405")),
		SetName:      execution.TaskName,
		BackupGroup:  now.Format("2006-01"),
		Status:       models.BackupSetStatusActive,
		BackupType:   execution.TaskType,
		BackupTime:   now,
		AutoDelete:   true,
		BackupTaskID: execution.ID,
	}
	if execution.RetentionDays > 0 {
		until := now.AddDate(0, 0, execution.RetentionDays)
		set.RetentionUntil = &until
	}
	return e.store.CreateBackupSet(ctx, set)
}

func (e *Engine) failExecution(ctx context.Context, executionID, setID int64, cause error) {
	msg := cause.Error()
	if err := e.store.SetBackupTaskCompleted(ctx, executionID, models.BackupTaskFailed, msg); err != nil {
		e.logger.Error("failed to mark execution failed", map[string]interface{}{"execution_id": executionID, "error": err.Error()})
	}
	if err := e.store.FinalizeBackupSet(ctx, setID, models.BackupSetStatusFailed, 0, 0, 0); err != nil {
		e.logger.Error("failed to mark backup set failed", map[string]interface{}{"backup_set_id": setID, "error": err.Error()})
	}
}

// parseTapeID is a best-effort conversion of the mover's opaque tape
// identifier into the numeric id ScheduledTask results carry; a non-numeric
// label (common for real cartridges) reports 0.
func parseTapeID(label string) int64 {
	var id int64
	if _, err := fmt.Sscanf(label, "%d", &id); err != nil {
		return 0
	}
	return id
}
