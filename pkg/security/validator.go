// Package security guards image containers before they are streamed to a device.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Validator checks archive members and image sizes against configured limits.
type Validator struct {
	maxImageSize        int64
	maxCompressionRatio float64
}

// NewValidator creates a new validator. A zero limit disables that check.
func NewValidator(maxImageSize int64, maxCompressionRatio float64) *Validator {
	slog.Debug("security_validator_init",
		"max_image_size_mb", maxImageSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxImageSize:        maxImageSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidateMemberName rejects archive member names that are absolute or
// escape the archive root. Such archives are not trusted at all.
func (v *Validator) ValidateMemberName(name string) error {
	if name == "" {
		return fmt.Errorf("security: empty archive member name")
	}

	slashed := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(slashed, "/") || (len(slashed) > 1 && slashed[1] == ':') {
		slog.Error("security_member_validation_failed", "member", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_member_validation_failed", "member", name, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", name)
	}

	return nil
}

// ValidateImageSize checks that an image does not exceed the configured maximum.
func (v *Validator) ValidateImageSize(size int64) error {
	if v.maxImageSize > 0 && size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size_mb", size/1024/1024,
			"max_image_size_mb", v.maxImageSize/1024/1024)
		return fmt.Errorf("security: image size %d exceeds max %d", size, v.maxImageSize)
	}
	return nil
}

// ValidateCompressionRatio checks a compressed archive member for
// decompression bombs using the sizes declared in the archive directory.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if v.maxCompressionRatio <= 0 || uncompressedSize == 0 {
		return nil
	}
	if compressedSize <= 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)
	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}
