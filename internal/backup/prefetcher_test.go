package backup

import (
	"context"
	"errors"
	"testing"

	"github.com/RoseOO/TapeBackarr/internal/logging"
	"github.com/RoseOO/TapeBackarr/internal/models"
)

type fakePrefetchStore struct {
	groups    [][][]models.BackupFile
	cursors   []int64
	callIdx   int
	remaining int64
	scanDone  bool
	fetchErr  error
}

func (f *fakePrefetchStore) FetchPendingFilesGroupedBySize(ctx context.Context, setID, maxGroupBytes, taskID int64, waitIfSmall bool, startFromID int64) ([][]models.BackupFile, int64, error) {
	if f.fetchErr != nil {
		return nil, 0, f.fetchErr
	}
	if f.callIdx >= len(f.groups) {
		return nil, startFromID, nil
	}
	g := f.groups[f.callIdx]
	c := f.cursors[f.callIdx]
	f.callIdx++
	return g, c, nil
}

func (f *fakePrefetchStore) CountUnmarkedFiles(ctx context.Context, setID int64) (int64, error) {
	return f.remaining, nil
}

func (f *fakePrefetchStore) GetScanStatus(ctx context.Context, taskID int64) (models.ScanStatus, error) {
	if f.scanDone {
		return models.ScanStatusCompleted, nil
	}
	return models.ScanStatusScanning, nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.NewLogger("warn", "text", "")
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l
}

func TestPrefetcherDeliversGroupsThenSentinel(t *testing.T) {
	store := &fakePrefetchStore{
		groups:   [][][]models.BackupFile{{{{FilePath: "/a"}}}},
		cursors:  []int64{5},
		scanDone: true,
	}
	p := NewPrefetcher(store, 1, 1, 1<<30, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	batch, ok := p.Next(ctx)
	if !ok {
		t.Fatal("expected a delivered batch")
	}
	if len(batch.Groups) != 1 || len(batch.Groups[0]) != 1 {
		t.Fatalf("unexpected batch shape: %+v", batch)
	}
	if batch.Cursor != 5 {
		t.Errorf("expected cursor 5, got %d", batch.Cursor)
	}

	_, ok = p.Next(ctx)
	if ok {
		t.Fatal("expected end-of-stream sentinel once scan is done and no files remain")
	}
}

func TestPrefetcherEndsImmediatelyWhenNothingPending(t *testing.T) {
	store := &fakePrefetchStore{scanDone: true}
	p := NewPrefetcher(store, 1, 1, 1<<30, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	_, ok := p.Next(ctx)
	if ok {
		t.Fatal("expected immediate end-of-stream when no files are pending and scan is done")
	}
}

func TestPrefetcherResetsCursorOnAnomalousZero(t *testing.T) {
	store := &fakePrefetchStore{
		groups:   [][][]models.BackupFile{{{{FilePath: "/a"}}}, {{{FilePath: "/b"}}}},
		cursors:  []int64{5, 0},
		scanDone: true,
	}
	p := NewPrefetcher(store, 1, 1, 1<<30, testLogger(t))
	p.cursor = 5

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)

	first, ok := p.Next(ctx)
	if !ok {
		t.Fatal("expected a first delivered batch")
	}
	if first.Cursor != 5 {
		t.Fatalf("expected first batch to carry the unchanged cursor 5, got %d", first.Cursor)
	}

	second, ok := p.Next(ctx)
	if !ok {
		t.Fatal("expected a second delivered batch")
	}
	if second.Cursor != 0 {
		t.Errorf("expected cursor reset to 0 after anomalous zero return, got %d", second.Cursor)
	}
}

func TestPrefetcherFullSweepRecoversMissedFiles(t *testing.T) {
	store := &fakePrefetchStore{remaining: 3, scanDone: true}
	p := NewPrefetcher(store, 1, 1, 1<<30, testLogger(t))

	done, err := p.fullSweepAndCheckDone(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if done {
		t.Error("expected not done while unmarked files remain")
	}
	if p.cursor != 0 {
		t.Errorf("expected cursor reset to 0, got %d", p.cursor)
	}
}

func TestPrefetcherStopsOnContextCancellation(t *testing.T) {
	store := &fakePrefetchStore{fetchErr: errors.New("boom")}
	p := NewPrefetcher(store, 1, 1, 1<<30, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.Run(ctx)

	_, ok := p.Next(ctx)
	if ok {
		t.Fatal("expected no batch once the context is already cancelled")
	}
}
