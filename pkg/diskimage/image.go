// Package diskimage opens and validates image files before they are flashed.
//
// Supported inputs are raw images (.img, .raw, .bin), ISO9660 images, Apple
// disk images and ZIP archives holding exactly one of those. Archive members
// are streamed straight out of the ZIP on every Open; nothing is extracted to
// disk.
package diskimage

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kdomanski/iso9660"

	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/security"
)

// Options tune validation in Open. The zero value applies no limits.
type Options struct {
	// Validator guards sizes and archive members. May be nil.
	Validator *security.Validator
}

// Handle is a validated image. It is immutable and safe to share; each call
// to Open returns an independent reader positioned at offset 0.
type Handle struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Format Format `json:"format"`
	// Member is the archive entry streamed for ZIP images.
	Member string `json:"member,omitempty"`
	// Inner is the format of Member for ZIP images.
	Inner Format `json:"inner_format,omitempty"`
	// Label is the ISO9660 volume identifier when it could be read.
	Label string `json:"label,omitempty"`
}

// Open validates the file at path and returns a Handle describing it.
func Open(path string, opts Options) (*Handle, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errors.ErrNotFound, path)
		}
		return nil, errors.Wrap(err, "failed to stat image")
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", errors.ErrUnsupportedFormat, path)
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrEmpty, path)
	}

	format, ok := detectFormat(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedFormat, filepath.Base(path))
	}

	h := &Handle{
		Path:   path,
		Name:   filepath.Base(path),
		Size:   fi.Size(),
		Format: format,
	}

	switch format {
	case FormatZIP:
		if err := h.selectMember(opts.Validator); err != nil {
			return nil, err
		}
	case FormatISO:
		h.Label = readISOLabel(path)
	}

	if opts.Validator != nil {
		if err := opts.Validator.ValidateImageSize(h.Size); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrImageTooLarge, err)
		}
	}

	slog.Info("image_opened",
		"path", h.Path,
		"format", h.Format,
		"member", h.Member,
		"size", h.Size,
		"label", h.Label)

	return h, nil
}

// selectMember finds the single flashable entry of a ZIP archive.
func (h *Handle) selectMember(v *security.Validator) error {
	zr, err := zip.OpenReader(h.Path)
	if err != nil {
		return fmt.Errorf("%w: invalid zip archive: %v", errors.ErrUnsupportedFormat, err)
	}
	defer zr.Close()

	var candidates []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !isImageMember(f.Name) {
			continue
		}
		candidates = append(candidates, f)
	}

	if len(candidates) != 1 {
		slog.Error("zip_member_selection_failed", "path", h.Path, "candidates", len(candidates))
		return fmt.Errorf("%w: found %d image members in %s", errors.ErrAmbiguousArchive, len(candidates), h.Name)
	}

	member := candidates[0]
	if v != nil {
		if err := v.ValidateMemberName(member.Name); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrUnsupportedFormat, err)
		}
		if err := v.ValidateCompressionRatio(int64(member.CompressedSize64), int64(member.UncompressedSize64)); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrUnsupportedFormat, err)
		}
	}
	if member.UncompressedSize64 == 0 {
		return fmt.Errorf("%w: archive member %s", errors.ErrEmpty, member.Name)
	}

	inner, _ := formatFromExtension(member.Name)
	h.Member = member.Name
	h.Inner = inner
	h.Size = int64(member.UncompressedSize64)
	return nil
}

// Open returns a fresh reader over the image bytes starting at offset 0.
func (h *Handle) Open() (io.ReadCloser, error) {
	if h.Format != FormatZIP {
		f, err := os.Open(h.Path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open image")
		}
		return f, nil
	}

	zr, err := zip.OpenReader(h.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open zip archive")
	}
	for _, f := range zr.File {
		if f.Name != h.Member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			zr.Close()
			return nil, errors.Wrap(err, "failed to open archive member")
		}
		return &memberReader{ReadCloser: rc, archive: zr}, nil
	}

	zr.Close()
	return nil, fmt.Errorf("%w: archive member %s disappeared", errors.ErrNotFound, h.Member)
}

// SizeHuman renders the image size for display.
func (h *Handle) SizeHuman() string {
	return humanize.Bytes(uint64(h.Size))
}

// memberReader closes the archive together with the member stream.
type memberReader struct {
	io.ReadCloser
	archive *zip.ReadCloser
}

func (m *memberReader) Close() error {
	err := m.ReadCloser.Close()
	if cerr := m.archive.Close(); err == nil {
		err = cerr
	}
	return err
}

func readISOLabel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("iso_label_unreadable", "path", path, "error", err)
		return ""
	}
	defer f.Close()

	img, err := iso9660.OpenImage(f)
	if err != nil {
		slog.Warn("iso_label_unreadable", "path", path, "error", err)
		return ""
	}
	label, err := img.Label()
	if err != nil {
		slog.Warn("iso_label_unreadable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(label)
}
