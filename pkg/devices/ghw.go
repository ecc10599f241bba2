package devices

import (
	"strings"

	"github.com/jaypipes/ghw/pkg/block"
)

const ghwUnknown = "unknown"

// fromBlockDisks converts ghw disk records into devices. rootSource is the
// block device backing "/" (e.g. /dev/nvme0n1p2); the disk that owns it is
// marked as system.
func fromBlockDisks(disks []*block.Disk, rootSource string) []Device {
	rootName := strings.TrimPrefix(rootSource, "/dev/")

	devices := make([]Device, 0, len(disks))
	for _, d := range disks {
		if d == nil || isIgnoredDevice(d.Name) {
			continue
		}

		usb := strings.Contains(strings.ToLower(d.BusPath), "usb")
		dev := Device{
			ID:            "/dev/" + d.Name,
			Name:          diskLabel(d),
			CapacityBytes: d.SizeBytes,
			Removable:     d.IsRemovable || usb,
			Model:         known(d.Model),
		}
		if usb {
			dev.Bus = "usb"
		} else {
			dev.Bus = strings.ToLower(d.StorageController.String())
		}

		for _, p := range d.Partitions {
			if p == nil {
				continue
			}
			if p.MountPoint != "" {
				dev.MountPoints = append(dev.MountPoints, p.MountPoint)
			}
			if rootName != "" && p.Name == rootName {
				dev.System = true
			}
		}
		if rootName != "" && (rootName == d.Name || isPartitionOf(rootName, d.Name)) {
			dev.System = true
		}
		if HasSystemMount(dev.MountPoints) {
			dev.System = true
		}

		devices = append(devices, dev)
	}
	return devices
}

func diskLabel(d *block.Disk) string {
	vendor, model := known(d.Vendor), known(d.Model)
	switch {
	case vendor != "" && model != "":
		return strings.TrimSpace(vendor + " " + model)
	case model != "":
		return model
	case vendor != "":
		return vendor
	default:
		return d.Name
	}
}

func known(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, ghwUnknown) {
		return ""
	}
	return s
}

func isIgnoredDevice(name string) bool {
	for _, prefix := range ignoredDevicePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// isPartitionOf reports whether part names a partition of disk:
// sda1 of sda, nvme0n1p2 of nvme0n1, mmcblk0p1 of mmcblk0. Disks whose name
// ends in a digit separate the partition number with "p".
func isPartitionOf(part, disk string) bool {
	if !strings.HasPrefix(part, disk) || len(part) == len(disk) {
		return false
	}
	rest := part[len(disk):]
	if last := disk[len(disk)-1]; last >= '0' && last <= '9' {
		if !strings.HasPrefix(rest, "p") {
			return false
		}
		rest = rest[1:]
	}
	if rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
