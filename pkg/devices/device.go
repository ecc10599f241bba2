// Package devices enumerates removable storage devices that are safe to flash.
//
// Enumeration is platform specific and lives behind the Provider interface.
// The Catalog applies the safety filter on every call: system disks, fixed
// disks and anything holding a system mount point never leave this package.
package devices

import (
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
)

// Device describes one candidate target disk.
type Device struct {
	// ID is the OS-level device path, e.g. /dev/sdb or \\.\PhysicalDrive2.
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	CapacityBytes uint64   `json:"capacity_bytes"`
	Removable     bool     `json:"removable"`
	System        bool     `json:"system"`
	Bus           string   `json:"bus,omitempty"`
	Model         string   `json:"model,omitempty"`
	MountPoints   []string `json:"mount_points,omitempty"`
}

// Eligible reports whether the device passes the safety filter.
// There is intentionally no way to override the result.
func (d Device) Eligible() bool {
	if d.System || !d.Removable {
		return false
	}
	return !HasSystemMount(d.MountPoints)
}

// SizeHuman returns the capacity as a human readable string.
func (d Device) SizeHuman() string {
	return humanize.Bytes(d.CapacityBytes)
}

// SameIdentity reports whether other refers to the same physical medium.
// A different capacity under the same path means the medium was swapped.
func (d Device) SameIdentity(other Device) bool {
	return d.ID == other.ID && d.CapacityBytes == other.CapacityBytes
}

// HasSystemMount reports whether any mount point belongs to the running system.
func HasSystemMount(mountPoints []string) bool {
	for _, mp := range mountPoints {
		if isSystemMount(mp) {
			return true
		}
	}
	return false
}

func isSystemMount(mp string) bool {
	if mp == "" {
		return false
	}
	if strings.EqualFold(strings.TrimRight(mp, `\`), "C:") {
		return true
	}
	clean := filepath.ToSlash(filepath.Clean(mp))
	for _, sys := range systemMountPoints {
		if clean == sys {
			return true
		}
	}
	for _, prefix := range systemMountPrefixes {
		if strings.HasPrefix(clean, prefix) {
			return true
		}
	}
	return false
}
