//go:build linux

package blockdev

import (
	"context"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/corekit/coreflash/pkg/errors"
)

// O_EXCL on a block device fails with EBUSY while any partition is mounted.
const writeFlags = os.O_WRONLY | unix.O_EXCL

const alignedWrites = false

func rawPath(id string) string {
	return id
}

func prepareWrite(context.Context, commandRunner, string) error {
	return nil
}

func deviceSize(f *os.File) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

func isBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}
