package devices

import "time"

// Mount points that mark a disk as hosting the running system.
var systemMountPoints = []string{"/", "/boot", "/boot/efi", "/home", "/usr", "/var", "/System/Volumes/Data"}

var systemMountPrefixes = []string{"/boot/", "/usr/", "/var/", "/System/"}

// Kernel block devices that are never flash targets.
var ignoredDevicePrefixes = []string{"loop", "ram", "zram", "dm-", "sr", "fd", "md", "nbd"}

const (
	// DefaultWatchInterval is the polling period used when filesystem
	// notifications are unavailable.
	DefaultWatchInterval = 2 * time.Second

	// DefaultWatchSettle coalesces bursts of device node events.
	DefaultWatchSettle = 500 * time.Millisecond
)
