package tape

import (
	"context"
	"fmt"
	"os/exec"
)

// Service provides the tape drive primitives the backup pipeline's Mover
// needs: load a cartridge and report the configured device path and block
// size. The full SCSI/MTX control surface (status parsing, label/TOC
// read-write, drive statistics, hardware encryption) is an external
// tape-device interface library's concern per spec §1 and is not
// reimplemented here.
type Service struct {
	devicePath string
	blockSize  int
}

// NewService creates a new tape service bound to one device path.
func NewService(devicePath string, blockSize int) *Service {
	return &Service{
		devicePath: devicePath,
		blockSize:  blockSize,
	}
}

// DevicePath returns the configured device path.
func (s *Service) DevicePath() string {
	return s.devicePath
}

// GetBlockSize returns the configured block size.
func (s *Service) GetBlockSize() int {
	return s.blockSize
}

// Load loads a tape (if autoloader is available).
func (s *Service) Load(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "mt", "-f", s.devicePath, "load")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("load failed: %s", string(output))
	}
	return nil
}
