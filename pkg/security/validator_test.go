package security

import (
	"testing"
)

func TestValidateMemberName(t *testing.T) {
	v := NewValidator(0, 0)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"ubuntu.iso", false},
		{"images/raspios.img", false},
		{"images/../raspios.img", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{`C:\images\os.img`, true},
		{`..\os.img`, true},
		{"images/../../os.img", true},
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidateMemberName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for member: %s", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for member %s: %v", tt.name, err)
		}
	}
}

func TestValidateImageSize(t *testing.T) {
	v := NewValidator(100, 0)

	if err := v.ValidateImageSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}
	if err := v.ValidateImageSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	unlimited := NewValidator(0, 0)
	if err := unlimited.ValidateImageSize(1 << 40); err != nil {
		t.Errorf("zero limit should disable the check, got: %v", err)
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(0, 10.0)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}
	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}
	if err := v.ValidateCompressionRatio(0, 1000); err == nil {
		t.Error("expected error for zero compressed size")
	}
	if err := v.ValidateCompressionRatio(0, 0); err != nil {
		t.Errorf("empty member should pass ratio check, got: %v", err)
	}
}
