package flash

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/corekit/coreflash/pkg/buffer"
	"github.com/corekit/coreflash/pkg/errors"
)

// ErrCancelled is returned by Verify when ctx is cancelled. Jobs translate
// it into PhaseCancelled rather than an error.
var ErrCancelled = errors.New("cancelled")

// MismatchError reports the first byte where the device differs from the image.
type MismatchError struct {
	Offset   int64
	Expected byte
	Actual   byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v at offset %d (expected 0x%02x, got 0x%02x)",
		errors.ErrVerifyMismatch, e.Offset, e.Expected, e.Actual)
}

// Is makes errors.Is(err, errors.ErrVerifyMismatch) hold.
func (e *MismatchError) Is(target error) bool {
	return target == errors.ErrVerifyMismatch
}

// Verify compares the first size bytes of image and device chunk by chunk.
// progress, when non-nil, is called with the cumulative bytes verified after
// every chunk. Cancellation is checked between chunks.
func Verify(ctx context.Context, image, device io.Reader, size int64, chunkSize int, progress func(done int64)) error {
	pool := buffer.NewPool(chunkSize)
	return verify(ctx, image, device, size, pool, progress)
}

func verify(ctx context.Context, image, device io.Reader, size int64, pool *buffer.Pool, progress func(done int64)) error {
	want := pool.Get()
	defer pool.Put(want)
	got := pool.Get()
	defer pool.Put(got)

	chunk := int64(pool.Size())
	var off int64
	for off < size {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		n := min(chunk, size-off)
		if _, err := io.ReadFull(image, (*want)[:n]); err != nil {
			return errors.Wrap(err, "failed to read image during verification")
		}
		if _, err := io.ReadFull(device, (*got)[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: short read at offset %d", errors.ErrDeviceRemoved, off)
			}
			return classifyReadError(err)
		}

		a, b := (*want)[:n], (*got)[:n]
		if !bytes.Equal(a, b) {
			i := firstDifference(a, b)
			return &MismatchError{Offset: off + int64(i), Expected: a[i], Actual: b[i]}
		}

		off += n
		if progress != nil {
			progress(off)
		}
	}

	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func firstDifference(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return len(a)
}
