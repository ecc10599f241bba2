//go:build !linux && !darwin && !windows

package blockdev

import (
	"context"
	"io"
	"os"
)

const writeFlags = os.O_WRONLY

const alignedWrites = false

func rawPath(id string) string {
	return id
}

func prepareWrite(context.Context, commandRunner, string) error {
	return nil
}

func deviceSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, err = f.Seek(0, io.SeekStart)
	return size, err
}

func isBusy(error) bool {
	return false
}
