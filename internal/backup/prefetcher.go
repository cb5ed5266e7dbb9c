// Package backup implements the three-stage backup pipeline (spec.md §4.3):
// a file-group prefetcher, a compressor stage, and a tape-mover stage,
// wired together by Engine into the dispatcher.BackupEngine contract.
package backup

import (
	"context"
	"time"

	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

// PrefetchStore is the subset of store.Store the prefetcher needs.
type PrefetchStore interface {
	FetchPendingFilesGroupedBySize(ctx context.Context, setID int64, maxGroupBytes int64, taskID int64, waitIfSmall bool, startFromID int64) ([][]models.BackupFile, int64, error)
	CountUnmarkedFiles(ctx context.Context, setID int64) (int64, error)
	GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error)
}

// groupBatch is one payload handed from the prefetcher to the compressor:
// zero or more file groups plus the prefetcher's new cursor. A batch with a
// nil Groups slice and Cursor == -1 is the end-of-stream sentinel, grounded
// on the source's `([], -1)` tuple.
type groupBatch struct {
	Groups [][]models.BackupFile
	Cursor int64
}

const (
	prefetchQueueCapacity = 2
	maxWaitRetries        = 6
	fullSweepRetryDelay   = 5 * time.Second
	queueFullPollDelay    = 1 * time.Second
)

// Prefetcher runs a background loop that keeps up to prefetchQueueCapacity
// file-group batches ready in a bounded channel, so the compressor never
// blocks on a database round trip between groups. Grounded on
// original_source/backup/file_group_prefetcher.py's FileGroupPrefetcher.
type Prefetcher struct {
	store         PrefetchStore
	setID         int64
	taskID        int64
	maxGroupBytes int64
	logger        *logging.Logger

	queue  chan groupBatch
	cursor int64

	prefetchedGroups int
}

// NewPrefetcher builds a Prefetcher for one backup set/execution pair.
func NewPrefetcher(store PrefetchStore, setID, taskID, maxGroupBytes int64, logger *logging.Logger) *Prefetcher {
	return &Prefetcher{
		store:         store,
		setID:         setID,
		taskID:        taskID,
		maxGroupBytes: maxGroupBytes,
		logger:        logger,
		queue:         make(chan groupBatch, prefetchQueueCapacity),
	}
}

// Run drives the prefetch loop until it reaches the end-of-stream sentinel
// or ctx is cancelled. It must run in its own goroutine; the compressor
// reads via Next.
func (p *Prefetcher) Run(ctx context.Context) {
	waitRetries := 0
	defer close(p.queue)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		groups, cursor, err := p.store.FetchPendingFilesGroupedBySize(
			ctx, p.setID, p.maxGroupBytes, p.taskID, waitRetries < maxWaitRetries, p.cursor)
		if err != nil {
			p.logger.Error("prefetch query failed", map[string]interface{}{
				"backup_set_id": p.setID, "error": err.Error(),
			})
			if !sleepOrDone(ctx, fullSweepRetryDelay) {
				return
			}
			continue
		}

		if len(groups) > 0 {
			if cursor == 0 && p.cursor > 0 {
				p.logger.Warn("prefetch query returned an anomalous cursor, resetting to 0", map[string]interface{}{
					"backup_set_id": p.setID, "previous_cursor": p.cursor,
				})
				p.cursor = 0
			} else if cursor > p.cursor {
				p.cursor = cursor
			}
			p.prefetchedGroups += len(groups)
			waitRetries = 0

			select {
			case p.queue <- groupBatch{Groups: groups, Cursor: p.cursor}:
			case <-ctx.Done():
				return
			}
			continue
		}

		// Nothing in the incremental window; fall back to a full sweep so a
		// missed or out-of-order file is never silently dropped.
		done, err := p.fullSweepAndCheckDone(ctx)
		if err != nil {
			p.logger.Error("full sweep failed", map[string]interface{}{
				"backup_set_id": p.setID, "error": err.Error(),
			})
			if !sleepOrDone(ctx, fullSweepRetryDelay) {
				return
			}
			continue
		}
		if done {
			select {
			case p.queue <- groupBatch{Groups: nil, Cursor: -1}:
			case <-ctx.Done():
			}
			return
		}
		if !sleepOrDone(ctx, fullSweepRetryDelay) {
			return
		}
	}
}

// fullSweepAndCheckDone implements the prefetcher's full-database-sweep
// fallback: if files remain anywhere in the set, reset the cursor to zero
// so the next incremental query picks them up; otherwise, declare done only
// once the external scanner has also reported scan_status=completed.
func (p *Prefetcher) fullSweepAndCheckDone(ctx context.Context) (bool, error) {
	remaining, err := p.store.CountUnmarkedFiles(ctx, p.setID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		p.logger.Warn("full sweep found files missed by incremental cursor", map[string]interface{}{
			"backup_set_id": p.setID, "remaining": remaining,
		})
		p.cursor = 0
		return false, nil
	}

	status, err := p.store.GetScanStatus(ctx, p.taskID)
	if err != nil {
		return false, err
	}
	return status == models.ScanStatusCompleted, nil
}

// Next blocks for the next batch from the prefetcher. ok is false once the
// end-of-stream sentinel has been consumed or the channel closed early by a
// cancelled context.
func (p *Prefetcher) Next(ctx context.Context) (groupBatch, bool) {
	select {
	case b, open := <-p.queue:
		if !open {
			return groupBatch{}, false
		}
		if b.Cursor == -1 {
			return b, false
		}
		return b, true
	case <-ctx.Done():
		return groupBatch{}, false
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
