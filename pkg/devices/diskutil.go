package devices

import (
	"bufio"
	"strconv"
	"strings"
)

// Disks that are always the internal boot disk on macOS.
var darwinSystemDisks = map[string]bool{"/dev/disk0": true, "/dev/disk1": true}

// parseDiskutilList extracts whole-disk identifiers from `diskutil list` output.
func parseDiskutilList(out string) []string {
	var disks []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "/dev/disk") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		disks = append(disks, fields[0])
	}
	return disks
}

// parseDiskutilInfo builds a device from `diskutil info <disk>` output.
func parseDiskutilInfo(id, out string) Device {
	dev := Device{ID: id, Name: "USB Drive", Bus: "usb"}
	internal := false

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "Media Name", "Device / Media Name":
			if value != "" {
				dev.Name = value
			}
		case "Disk Size":
			dev.CapacityBytes = parseDiskutilBytes(value)
		case "Removable Media":
			dev.Removable = strings.Contains(value, "Removable")
		case "Protocol":
			if value != "" {
				dev.Bus = strings.ToLower(value)
			}
		case "Internal":
			internal = strings.Contains(value, "Yes")
		case "Virtual":
			if strings.Contains(value, "Yes") {
				dev.System = true
			}
		case "Mount Point":
			if value != "" {
				dev.MountPoints = append(dev.MountPoints, value)
			}
		}
	}

	if internal || darwinSystemDisks[id] {
		dev.System = true
	}
	// `diskutil list external physical` only reports external disks, which
	// may still say "Fixed" for USB enclosures.
	if !dev.System {
		dev.Removable = true
	}
	return dev
}

// parseDiskutilBytes parses "31.0 GB (31016378368 Bytes) (exactly ...)".
func parseDiskutilBytes(value string) uint64 {
	_, rest, ok := strings.Cut(value, "(")
	if !ok {
		return 0
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
