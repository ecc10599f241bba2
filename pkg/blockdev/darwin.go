//go:build darwin

package blockdev

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/corekit/coreflash/pkg/errors"
)

const (
	dkiocGetBlockSize  = 0x40046418 // _IOR('d', 24, uint32)
	dkiocGetBlockCount = 0x40086419 // _IOR('d', 25, uint64)
)

const writeFlags = os.O_WRONLY

// The rdisk character device only accepts whole-sector writes.
const alignedWrites = true

// rawPath maps /dev/diskN onto the unbuffered /dev/rdiskN node.
func rawPath(id string) string {
	if strings.HasPrefix(id, "/dev/disk") {
		return "/dev/rdisk" + strings.TrimPrefix(id, "/dev/disk")
	}
	return id
}

// prepareWrite unmounts every volume of the disk; macOS refuses raw writes
// to a disk with mounted volumes.
func prepareWrite(ctx context.Context, run commandRunner, id string) error {
	out, err := run(ctx, "diskutil", "unmountDisk", id)
	if err != nil {
		slog.Error("blockdev_unmount_failed", "device", id, "output", trimOutput(out), "error", err)
		return fmt.Errorf("%w: diskutil unmountDisk %s: %s", errors.ErrDeviceInUse, id, trimOutput(out))
	}
	slog.Info("blockdev_unmounted", "device", id)
	return nil
}

func deviceSize(f *os.File) (int64, error) {
	var blockSize uint32
	var blockCount uint64

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockSize, uintptr(unsafe.Pointer(&blockSize))); errno != 0 {
		return 0, errno
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockCount, uintptr(unsafe.Pointer(&blockCount))); errno != 0 {
		return 0, errno
	}
	return int64(blockSize) * int64(blockCount), nil
}

func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
