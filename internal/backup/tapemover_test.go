package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeMover struct {
	loadErr   error
	writeErr  error
	written   []string
	currentID string
}

func (f *fakeMover) Load(ctx context.Context) error {
	return f.loadErr
}

func (f *fakeMover) WriteArchive(ctx context.Context, path string) (int64, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	f.written = append(f.written, filepath.Base(path))
	return info.Size(), nil
}

func (f *fakeMover) CurrentTapeID() string {
	return f.currentID
}

func TestTapeMoverStageMovesAndRemovesArchives(t *testing.T) {
	dir := t.TempDir()
	setDir := filepath.Join(dir, "42")
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		t.Fatalf("failed to create set dir: %v", err)
	}
	for _, name := range []string{"a.tar.gz", "b.tar.gz"} {
		if err := os.WriteFile(filepath.Join(setDir, name), []byte("payload"), 0o644); err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}

	mover := &fakeMover{currentID: "TAPE001"}
	stage := NewTapeMoverStage(dir, mover, 10, testLogger(t))

	doneCalls := 0
	err := stage.Run(context.Background(), func() bool {
		doneCalls++
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mover.written) != 2 {
		t.Fatalf("expected 2 archives written, got %d", len(mover.written))
	}
	if stage.MovedBytes() != int64(len("payload")*2) {
		t.Errorf("expected moved bytes %d, got %d", len("payload")*2, stage.MovedBytes())
	}

	entries, err := os.ReadDir(setDir)
	if err != nil {
		t.Fatalf("failed to read set dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected staged archives to be removed after the tape write, found %d", len(entries))
	}
}

func TestTapeMoverStageSkipsAlreadyProcessed(t *testing.T) {
	dir := t.TempDir()
	setDir := filepath.Join(dir, "7")
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		t.Fatalf("failed to create set dir: %v", err)
	}
	mover := &fakeMover{}
	stage := NewTapeMoverStage(dir, mover, 10, testLogger(t))
	stage.processedFiles["7/already.tar.gz"] = true

	if err := os.WriteFile(filepath.Join(setDir, "already.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	moved, err := stage.scanOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved != 0 {
		t.Errorf("expected 0 newly moved files, got %d", moved)
	}
}

func TestTapeMoverStageLoadFailureStopsRun(t *testing.T) {
	mover := &fakeMover{loadErr: errors.New("drive offline")}
	stage := NewTapeMoverStage(t.TempDir(), mover, 10, testLogger(t))

	err := stage.Run(context.Background(), func() bool { return true })
	if err == nil {
		t.Fatal("expected an error when the cartridge fails to load")
	}
}

func TestTapeMoverStageWriteFailurePropagates(t *testing.T) {
	dir := t.TempDir()
	setDir := filepath.Join(dir, "9")
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		t.Fatalf("failed to create set dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(setDir, "broken.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	mover := &fakeMover{writeErr: errors.New("tape write error")}
	stage := NewTapeMoverStage(dir, mover, 10, testLogger(t))

	_, err := stage.scanOnce(context.Background())
	if err == nil {
		t.Fatal("expected write error to propagate")
	}
}
