package tape

import (
	"context"
	"testing"
)

func TestNewDeviceMoverReportsConfiguredTapeID(t *testing.T) {
	m := NewDeviceMover("/dev/null", 1024, "TAPE042")
	if got := m.CurrentTapeID(); got != "TAPE042" {
		t.Errorf("expected tape ID 'TAPE042', got %q", got)
	}
}

func TestDeviceMoverWriteArchiveMissingSource(t *testing.T) {
	m := NewDeviceMover("/dev/null", 1024, "TAPE042")
	_, err := m.WriteArchive(context.Background(), "/nonexistent/archive.tar.gz")
	if err == nil {
		t.Fatal("expected an error for a missing source archive")
	}
}
