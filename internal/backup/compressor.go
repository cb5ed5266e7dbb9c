package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/RoseOO/TapeBackarr/internal/apperr"
	"github.com/RoseOO/TapeBackarr/internal/cmdutil"
	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// CompressorStore is the subset of store.Store the compressor needs.
type CompressorStore interface {
	MarkFilesCompressed(ctx context.Context, setID int64, chunkNumber int, compressedSizeByPath map[string]int64) error
	IncrementBackupTaskProgress(ctx context.Context, id int64, filesDelta, bytesDelta, compressedDelta int64) error
}

// buildCompressionCmd returns the exec.Cmd for the configured codec. Gzip
// prefers pigz (parallel gzip) when present, falling back to gzip.
// Grounded on the teacher's internal/backup/service.go buildCompressionCmd.
func buildCompressionCmd(ctx context.Context, codec string) (*exec.Cmd, string, error) {
	switch codec {
	case "pigz", "gzip", "":
		if _, err := exec.LookPath("pigz"); err == nil {
			return exec.CommandContext(ctx, "pigz", "-1", "-c"), "tar.gz", nil
		}
		return exec.CommandContext(ctx, "gzip", "-1", "-c"), "tar.gz", nil
	case "zstd":
		return exec.CommandContext(ctx, "zstd", "-T0", "-c", "--no-progress"), "tar.zst", nil
	default:
		return nil, "", apperr.Validation("unsupported compression codec %q", codec)
	}
}

// CompressorStage consumes file-group batches from a Prefetcher and, for
// each group, tars and compresses it into a work-directory archive before
// atomically renaming it into the final directory the tape-mover scans.
// Grounded on the teacher's StreamToTapeCompressed pipeline construction
// (tar | compressor), adapted from a direct-to-tape stream into a
// work/->final/ staged archive per spec.md §4.3.2.
type CompressorStage struct {
	store       CompressorStore
	setID       int64
	taskID      int64
	workDir     string
	finalDir    string
	codec       string
	maxRetries  int
	logger      *logging.Logger
	chunkNumber int32
}

// NewCompressorStage builds a CompressorStage. workDir and finalDir are
// created if they do not already exist.
func NewCompressorStage(store CompressorStore, setID, taskID int64, workDir, finalDir, codec string, maxRetries int, logger *logging.Logger) (*CompressorStage, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, apperr.Internal(err, "create compress work dir")
	}
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		return nil, apperr.Internal(err, "create compress final dir")
	}
	return &CompressorStage{
		store: store, setID: setID, taskID: taskID,
		workDir: workDir, finalDir: finalDir, codec: codec, maxRetries: maxRetries,
		logger: logger,
	}, nil
}

// Drain pulls every batch off p until the sentinel, compressing each group
// in turn. It returns the totals processed, or an error once a group has
// failed its retry budget (spec.md §4.3.2 "3 retries then fail").
func (c *CompressorStage) Drain(ctx context.Context, p *Prefetcher) (processedFiles int64, processedBytes int64, compressedBytes int64, err error) {
	for {
		batch, ok := p.Next(ctx)
		if !ok {
			return processedFiles, processedBytes, compressedBytes, nil
		}

		for _, group := range batch.Groups {
			files, bytes, cbytes, err := c.compressGroupWithRetry(ctx, group)
			if err != nil {
				return processedFiles, processedBytes, compressedBytes, err
			}
			processedFiles += files
			processedBytes += bytes
			compressedBytes += cbytes
		}

		if err := ctx.Err(); err != nil {
			return processedFiles, processedBytes, compressedBytes, err
		}
	}
}

func (c *CompressorStage) compressGroupWithRetry(ctx context.Context, group []models.BackupFile) (int64, int64, int64, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		files, bytes, cbytes, err := c.compressGroup(ctx, group)
		if err == nil {
			return files, bytes, cbytes, nil
		}
		lastErr = err
		c.logger.Warn("compression attempt failed", map[string]interface{}{
			"backup_set_id": c.setID, "attempt": attempt, "max_retries": c.maxRetries, "error": err.Error(),
		})
		if attempt < c.maxRetries {
			if !sleepOrDone(ctx, time.Duration(attempt)*time.Second) {
				return 0, 0, 0, ctx.Err()
			}
		}
	}
	return 0, 0, 0, apperr.Compression(lastErr, "group of %d files failed after %d retries", len(group), c.maxRetries)
}

func (c *CompressorStage) compressGroup(ctx context.Context, group []models.BackupFile) (int64, int64, int64, error) {
	if len(group) == 0 {
		return 0, 0, 0, nil
	}

	chunkNumber := int(atomic.AddInt32(&c.chunkNumber, 1))

	fileListPath := filepath.Join(c.workDir, fmt.Sprintf("filelist-%s.txt", uuid.NewString()))
	fileList, err := os.Create(fileListPath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("create file list: %w", err)
	}
	defer os.Remove(fileListPath)

	var groupBytes int64
	for _, f := range group {
		fmt.Fprintln(fileList, f.FilePath)
		groupBytes += f.FileSize
	}
	fileList.Close()

	compCmd, ext, err := buildCompressionCmd(ctx, c.codec)
	if err != nil {
		return 0, 0, 0, err
	}

	workName := fmt.Sprintf("backup_%d_%s.%d.%s", c.setID, time.Now().UTC().Format("20060102_150405"), chunkNumber, ext)
	workPath := filepath.Join(c.workDir, workName)
	finalPath := filepath.Join(c.finalDir, workName)

	tarCmd := exec.CommandContext(ctx, "tar", "-c", "-P", "-T", fileListPath)
	var tarStderr, compStderr bytes.Buffer
	tarCmd.Stderr = &tarStderr
	compCmd.Stderr = &compStderr

	out, err := os.Create(workPath)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	tarPipe, err := tarCmd.StdoutPipe()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("tar pipe: %w", err)
	}
	compCmd.Stdin = tarPipe
	compCmd.Stdout = out

	if err := tarCmd.Start(); err != nil {
		return 0, 0, 0, fmt.Errorf("start tar: %w", err)
	}
	if err := compCmd.Start(); err != nil {
		tarCmd.Process.Kill()
		return 0, 0, 0, fmt.Errorf("start %s: %w", c.codec, err)
	}

	tarErr := tarCmd.Wait()
	compErr := compCmd.Wait()
	if tarErr != nil {
		return 0, 0, 0, fmt.Errorf("tar failed: %s", cmdutil.ErrorDetail(tarErr, &tarStderr))
	}
	if compErr != nil {
		return 0, 0, 0, fmt.Errorf("%s failed: %s", c.codec, cmdutil.ErrorDetail(compErr, &compStderr))
	}

	info, err := out.Stat()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("stat archive: %w", err)
	}
	compressedSize := info.Size()
	if compressedSize == 0 {
		os.Remove(workPath)
		return 0, 0, 0, fmt.Errorf("archive %s is empty, refusing to mark %d files compressed", workName, len(group))
	}

	if err := os.Rename(workPath, finalPath); err != nil {
		return 0, 0, 0, fmt.Errorf("move archive to final: %w", err)
	}

	sizeByPath := make(map[string]int64, len(group))
	for _, f := range group {
		// The per-file compressed size is unknown inside a shared archive;
		// the archive's total is attributed to the group's first file so
		// ListBackupFiles still reflects non-zero compression activity.
		sizeByPath[f.FilePath] = 0
	}
	if len(group) > 0 {
		sizeByPath[group[0].FilePath] = compressedSize
	}

	if err := c.store.MarkFilesCompressed(ctx, c.setID, chunkNumber, sizeByPath); err != nil {
		return 0, 0, 0, fmt.Errorf("mark files compressed: %w", err)
	}

	if err := c.store.IncrementBackupTaskProgress(ctx, c.taskID, int64(len(group)), groupBytes, compressedSize); err != nil {
		c.logger.Warn("failed to increment backup task progress", map[string]interface{}{
			"backup_task_id": c.taskID, "error": err.Error(),
		})
	}

	c.logger.Info("compressed file group", map[string]interface{}{
		"backup_set_id": c.setID, "chunk_number": chunkNumber, "files": len(group),
		"bytes": humanize.Bytes(uint64(groupBytes)), "compressed_bytes": humanize.Bytes(uint64(compressedSize)),
	})

	return int64(len(group)), groupBytes, compressedSize, nil
}
