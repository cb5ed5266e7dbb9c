package tape

import (
	"context"
	"testing"
)

func TestNewServiceStoresDeviceAndBlockSize(t *testing.T) {
	svc := NewService("/dev/nst0", 65536)
	if got := svc.DevicePath(); got != "/dev/nst0" {
		t.Errorf("DevicePath() = %q, want %q", got, "/dev/nst0")
	}
	if got := svc.GetBlockSize(); got != 65536 {
		t.Errorf("GetBlockSize() = %d, want %d", got, 65536)
	}
}

func TestServiceLoadFailsOnMissingDevice(t *testing.T) {
	svc := NewService("/dev/nonexistent-tapebackarr-test", 65536)
	if err := svc.Load(context.Background()); err == nil {
		t.Fatal("expected an error loading a nonexistent device")
	}
}
