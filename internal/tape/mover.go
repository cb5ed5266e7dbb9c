package tape

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Mover is the thin surface the backup pipeline's tape-mover stage needs:
// load a cartridge, stream one finished archive onto it, and report which
// cartridge a write landed on. The detailed SCSI/MTX control surface (mt
// subcommands, label reads, drive statistics) stays in Service, an external
// tape-device interface library's concern per spec.md §1; Mover adapts just
// enough of it to exercise that dependency from the backup domain.
type Mover interface {
	// Load ensures a cartridge is loaded and ready to receive data.
	Load(ctx context.Context) error
	// WriteArchive streams the file at path onto the tape device, returning
	// the number of bytes written.
	WriteArchive(ctx context.Context, path string) (int64, error)
	// CurrentTapeID identifies the cartridge currently loaded, if known.
	CurrentTapeID() string
}

// deviceMover is the production Mover, backed by a tape Service bound to one
// physical device path.
type deviceMover struct {
	svc    *Service
	tapeID string
}

// NewDeviceMover builds a Mover over devicePath using blockSize-sized writes.
func NewDeviceMover(devicePath string, blockSize int, tapeID string) Mover {
	return &deviceMover{svc: NewService(devicePath, blockSize), tapeID: tapeID}
}

func (m *deviceMover) Load(ctx context.Context) error {
	return m.svc.Load(ctx)
}

func (m *deviceMover) CurrentTapeID() string {
	return m.tapeID
}

// WriteArchive streams path's contents to the tape device in blockSize
// chunks, grounded on the teacher's countingWriter pattern in
// StreamToTapeCompressed (minus compression, already done upstream).
func (m *deviceMover) WriteArchive(ctx context.Context, path string) (int64, error) {
	src, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer src.Close()

	dev, err := os.OpenFile(m.svc.DevicePath(), os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open tape device: %w", err)
	}
	defer dev.Close()

	buf := make([]byte, m.svc.GetBlockSize())
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}
		n, err := src.Read(buf)
		if n > 0 {
			nw, werr := dev.Write(buf[:n])
			written += int64(nw)
			if werr != nil {
				return written, fmt.Errorf("write to tape: %w", werr)
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read archive: %w", err)
		}
	}
}
