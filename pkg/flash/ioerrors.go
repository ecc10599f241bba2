package flash

import (
	"fmt"
	"os"
	"syscall"

	"github.com/corekit/coreflash/pkg/errors"
)

// deviceGone reports errors that mean the device disappeared mid-operation.
func deviceGone(err error) bool {
	return errors.Is(err, syscall.ENODEV) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, os.ErrNotExist)
}

// alreadyClassified reports errors the opener has tagged with a kind.
func alreadyClassified(err error) bool {
	return errors.Is(err, errors.ErrDeviceBusy) ||
		errors.Is(err, errors.ErrDeviceInUse) ||
		errors.Is(err, errors.ErrWriteFailed) ||
		errors.Is(err, errors.ErrDeviceRemoved)
}

func classifyWriteError(err error) error {
	if alreadyClassified(err) {
		return err
	}
	if deviceGone(err) {
		return fmt.Errorf("%w: %v", errors.ErrDeviceRemoved, err)
	}
	return fmt.Errorf("%w: %v", errors.ErrWriteFailed, err)
}

func classifyReadError(err error) error {
	if alreadyClassified(err) {
		return err
	}
	if deviceGone(err) {
		return fmt.Errorf("%w: %v", errors.ErrDeviceRemoved, err)
	}
	return errors.Wrap(err, "failed to read device during verification")
}
