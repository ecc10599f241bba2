package diskimage

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is the container format of an image file.
type Format string

const (
	FormatISO Format = "ISO"
	FormatIMG Format = "IMG"
	FormatDMG Format = "DMG"
	FormatZIP Format = "ZIP"
)

const isoMIME = "application/x-iso9660-image"

// ISO 9660 places its first volume descriptor, tagged "CD001", at sector 16.
// The sniff limit has to reach past it.
const (
	isoMagicOffset = 16*2048 + 1
	sniffLimit     = 64 * 1024
)

var isoMagic = []byte("CD001")

var extensionFormats = map[string]Format{
	".iso": FormatISO,
	".img": FormatIMG,
	".raw": FormatIMG,
	".bin": FormatIMG,
	".dmg": FormatDMG,
	".zip": FormatZIP,
}

// DMG is recognised by extension only: its UDIF "koly" trailer sits at the
// end of the file, outside any prefix sniff.
var mimeFormats = map[string]Format{
	"application/zip": FormatZIP,
	isoMIME:           FormatISO,
}

func init() {
	mimetype.SetLimit(sniffLimit)
	mimetype.Extend(isISO9660, isoMIME, ".iso")
}

func isISO9660(raw []byte, _ uint32) bool {
	end := isoMagicOffset + len(isoMagic)
	return len(raw) >= end && bytes.Equal(raw[isoMagicOffset:end], isoMagic)
}

// formatFromExtension maps a file name onto a Format; ok is false for
// unknown extensions.
func formatFromExtension(name string) (Format, bool) {
	f, ok := extensionFormats[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// isImageMember reports whether an archive member can be flashed directly.
func isImageMember(name string) bool {
	f, ok := formatFromExtension(name)
	return ok && f != FormatZIP
}

// sniff detects the format from file content. It walks the MIME hierarchy
// so that e.g. zip-based subtypes still count as ZIP.
func sniff(path string) (Format, bool) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false
	}
	for m := mtype; m != nil; m = m.Parent() {
		if f, ok := mimeFormats[m.String()]; ok {
			return f, true
		}
	}
	return "", false
}

// detectFormat prefers content sniffing and falls back to the extension.
func detectFormat(path string) (Format, bool) {
	if f, ok := sniff(path); ok {
		return f, true
	}
	return formatFromExtension(path)
}
