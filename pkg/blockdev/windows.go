//go:build windows

package blockdev

import (
	"context"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/corekit/coreflash/pkg/errors"
)

const ioctlDiskGetLengthInfo = 0x0007405C

const writeFlags = os.O_RDWR

// Unbuffered PhysicalDrive handles only accept whole-sector writes.
const alignedWrites = true

func rawPath(id string) string {
	return id
}

func prepareWrite(context.Context, commandRunner, string) error {
	return nil
}

func deviceSize(f *os.File) (int64, error) {
	var length int64
	var returned uint32
	err := windows.DeviceIoControl(windows.Handle(f.Fd()), ioctlDiskGetLengthInfo,
		nil, 0, (*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)), &returned, nil)
	if err != nil {
		return 0, err
	}
	return length, nil
}

func isBusy(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) || errors.Is(err, windows.ERROR_ACCESS_DENIED)
}
