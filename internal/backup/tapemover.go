package backup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/tape"
)

// TapeMoverStage periodically scans {compress_dir}/final/{set_id}/ for
// archives the compressor stage has finished, writes each one to tape
// exactly once, and forgets nothing across restarts within a run by
// tracking what it has already moved in an in-memory set keyed by
// "{set_id}/{filename}" (spec.md §4.3.3).
type TapeMoverStage struct {
	finalDir        string
	mover           tape.Mover
	logger          *logging.Logger
	pollInterval    time.Duration
	processedFiles  map[string]bool
	movedBytes      int64
}

// NewTapeMoverStage builds a TapeMoverStage scanning finalDir.
func NewTapeMoverStage(finalDir string, mover tape.Mover, pollInterval time.Duration, logger *logging.Logger) *TapeMoverStage {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &TapeMoverStage{
		finalDir:       finalDir,
		mover:          mover,
		logger:         logger,
		pollInterval:   pollInterval,
		processedFiles: make(map[string]bool),
	}
}

// Run scans finalDir until done() returns true and the directory is empty
// of unmoved archives, or ctx is cancelled. done is polled by the Engine
// once the compressor stage has finished draining the prefetcher.
func (t *TapeMoverStage) Run(ctx context.Context, done func() bool) error {
	if err := t.mover.Load(ctx); err != nil {
		return apperr.Tape(err, "load cartridge")
	}

	for {
		moved, err := t.scanOnce(ctx)
		if err != nil {
			return err
		}

		if done() && moved == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.pollInterval):
		}
	}
}

// scanOnce walks the set_id subdirectories directly under finalDir (spec.md
// §4.3.3 step 1: "for each subdirectory under final/ ... list files").
// Archives are never written loose at the top level, so a non-directory
// entry there is ignored rather than treated as an archive.
func (t *TapeMoverStage) scanOnce(ctx context.Context) (int, error) {
	setDirs, err := os.ReadDir(t.finalDir)
	if err != nil {
		return 0, apperr.Internal(err, "scan final directory")
	}

	moved := 0
	for _, setDir := range setDirs {
		if !setDir.IsDir() {
			continue
		}
		setID := setDir.Name()
		setPath := filepath.Join(t.finalDir, setID)

		entries, err := os.ReadDir(setPath)
		if err != nil {
			return moved, apperr.Internal(err, "scan final/%s directory", setID)
		}

		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			key := setID + "/" + name
			if t.processedFiles[key] {
				continue
			}

			path := filepath.Join(setPath, name)
			written, err := t.mover.WriteArchive(ctx, path)
			if err != nil {
				return moved, apperr.Tape(err, "write archive %s", key)
			}

			t.processedFiles[key] = true
			t.movedBytes += written
			moved++

			t.logger.Info("moved archive to tape", map[string]interface{}{
				"archive": key, "bytes": written, "tape_id": t.mover.CurrentTapeID(),
			})

			if err := os.Remove(path); err != nil {
				t.logger.Warn("failed to remove staged archive after tape write", map[string]interface{}{
					"archive": key, "error": err.Error(),
				})
			}
		}
	}
	return moved, nil
}

// MovedBytes returns the cumulative bytes written to tape so far.
func (t *TapeMoverStage) MovedBytes() int64 {
	return t.movedBytes
}
