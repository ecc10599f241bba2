// Package errors provides error wrapping utilities for context-aware error messages
// and the error kinds shared by the catalog, image and flashing packages.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Validation errors. These are returned before anything is written to a device.
var (
	ErrNotFound            = stderrors.New("image not found")
	ErrEmpty               = stderrors.New("image is empty")
	ErrUnsupportedFormat   = stderrors.New("unsupported image format")
	ErrAmbiguousArchive    = stderrors.New("archive must contain exactly one image")
	ErrDeviceNoLongerValid = stderrors.New("device is no longer valid")
	ErrUnsafeDevice        = stderrors.New("refusing to write to a system or non-removable device")
	ErrDeviceBusy          = stderrors.New("device already has an active job")
	ErrDeviceInUse         = stderrors.New("device is in use by the system or another process")
	ErrImageTooLarge       = stderrors.New("image does not fit on device")
)

// I/O and outcome errors.
var (
	ErrWriteFailed         = stderrors.New("write failed")
	ErrDeviceRemoved       = stderrors.New("device removed")
	ErrVerifyMismatch      = stderrors.New("verification mismatch")
	ErrJobNotFound         = stderrors.New("job not found")
	ErrUnsupportedPlatform = stderrors.New("unsupported platform")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return stderrors.New(text) }

// IsValidation reports whether err is one of the validation kinds that are
// raised before any destructive action.
func IsValidation(err error) bool {
	for _, kind := range []error{
		ErrNotFound, ErrEmpty, ErrUnsupportedFormat, ErrAmbiguousArchive,
		ErrDeviceNoLongerValid, ErrUnsafeDevice, ErrDeviceBusy, ErrDeviceInUse, ErrImageTooLarge,
	} {
		if stderrors.Is(err, kind) {
			return true
		}
	}
	return false
}
