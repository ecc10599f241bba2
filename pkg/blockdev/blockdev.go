// Package blockdev opens raw block devices for whole-disk writes and reads.
package blockdev

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
)

// commandRunner executes a helper command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Opener gives the flash engine raw access to devices.
type Opener struct {
	run commandRunner
}

// NewOpener returns an Opener for the current platform.
func NewOpener() *Opener {
	return &Opener{run: execRunner}
}

// OpenWrite prepares dev for a whole-disk write and opens its raw node
// exclusively. The returned file supports Sync.
func (o *Opener) OpenWrite(ctx context.Context, dev devices.Device) (io.WriteCloser, error) {
	if err := prepareWrite(ctx, o.run, dev.ID); err != nil {
		return nil, err
	}

	path := rawPath(dev.ID)
	f, err := os.OpenFile(path, writeFlags, 0)
	if err != nil {
		slog.Error("blockdev_open_failed", "device", dev.ID, "path", path, "error", err)
		return nil, openError(path, err)
	}

	if size, err := Size(f); err == nil {
		slog.Info("blockdev_opened", "device", dev.ID, "path", path, "size", size, "mode", "write")
	} else {
		slog.Warn("blockdev_size_unknown", "device", dev.ID, "path", path, "error", err)
	}
	if alignedWrites {
		return &sectorFile{File: f}, nil
	}
	return f, nil
}

// SectorSize is the write granularity of raw disk nodes.
const SectorSize = 512

// sectorFile zero-pads a trailing partial write up to a whole sector. Only
// the last write of an image may be partial; anything after it is refused.
type sectorFile struct {
	*os.File
	padded bool
}

func (f *sectorFile) Write(p []byte) (int, error) {
	if f.padded {
		return 0, fmt.Errorf("%w: write after the final partial sector", errors.ErrWriteFailed)
	}
	rem := len(p) % SectorSize
	if rem == 0 {
		return f.File.Write(p)
	}

	whole := len(p) - rem
	n, err := f.File.Write(p[:whole])
	if err != nil {
		return n, err
	}
	f.padded = true
	var sector [SectorSize]byte
	copy(sector[:], p[whole:])
	if _, err := f.File.Write(sector[:]); err != nil {
		return n, err
	}
	return len(p), nil
}

// OpenRead opens the raw node of dev for sequential reads from offset 0.
func (o *Opener) OpenRead(ctx context.Context, dev devices.Device) (io.ReadCloser, error) {
	path := rawPath(dev.ID)
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		slog.Error("blockdev_open_failed", "device", dev.ID, "path", path, "error", err)
		return nil, openError(path, err)
	}
	slog.Debug("blockdev_opened", "device", dev.ID, "path", path, "mode", "read")
	return f, nil
}

// Size returns the size of a regular file or block device in bytes.
func Size(f *os.File) (int64, error) {
	if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
		return fi.Size(), nil
	}
	size, err := deviceSize(f)
	if err != nil {
		return 0, errors.Wrap(err, "cannot determine device size")
	}
	return size, nil
}

func openError(path string, err error) error {
	switch {
	case os.IsPermission(err):
		return fmt.Errorf("%w: cannot open %s, run with elevated privileges or grant disk access: %v",
			errors.ErrWriteFailed, path, err)
	case isBusy(err):
		return fmt.Errorf("%w: %s: %v", errors.ErrDeviceInUse, path, err)
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %v", errors.ErrDeviceRemoved, err)
	default:
		return errors.Wrap(err, "failed to open device")
	}
}

func trimOutput(out []byte) string {
	return strings.TrimSpace(string(out))
}
