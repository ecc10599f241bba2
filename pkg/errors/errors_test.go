package errors

import (
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	err := Wrap(ErrEmpty, "open image")
	if err.Error() != "open image: image is empty" {
		t.Errorf("unexpected message: %s", err)
	}
	if !Is(err, ErrEmpty) {
		t.Error("wrapped error should match its kind")
	}
}

func TestIsValidation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrNotFound, true},
		{fmt.Errorf("select: %w", ErrAmbiguousArchive), true},
		{Wrap(ErrDeviceNoLongerValid, "prepare"), true},
		{ErrUnsafeDevice, true},
		{Wrap(ErrDeviceInUse, "open /dev/sdb"), true},
		{ErrWriteFailed, false},
		{ErrVerifyMismatch, false},
		{New("boom"), false},
	}

	for _, tt := range tests {
		if got := IsValidation(tt.err); got != tt.want {
			t.Errorf("IsValidation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
