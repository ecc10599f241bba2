package devices

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corekit/coreflash/pkg/errors"
)

// getDiskQuery lists every disk so the filter, not the query, decides eligibility.
const getDiskQuery = "Get-Disk | Select-Object Number, FriendlyName, Size, IsSystem, IsBoot, BusType | ConvertTo-Json"

type psDisk struct {
	Number       uint64 `json:"Number"`
	FriendlyName string `json:"FriendlyName"`
	Size         uint64 `json:"Size"`
	IsSystem     bool   `json:"IsSystem"`
	IsBoot       bool   `json:"IsBoot"`
	BusType      any    `json:"BusType"`
}

// parseGetDisk decodes ConvertTo-Json output, which is a single object when
// exactly one disk exists and an array otherwise.
func parseGetDisk(out []byte) ([]Device, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}

	var disks []psDisk
	if out[0] == '{' {
		var one psDisk
		if err := json.Unmarshal(out, &one); err != nil {
			return nil, errors.Wrap(err, "failed to decode Get-Disk output")
		}
		disks = []psDisk{one}
	} else if err := json.Unmarshal(out, &disks); err != nil {
		return nil, errors.Wrap(err, "failed to decode Get-Disk output")
	}

	devices := make([]Device, 0, len(disks))
	for _, d := range disks {
		bus := busTypeName(d.BusType)
		name := strings.TrimSpace(d.FriendlyName)
		if name == "" {
			name = "USB Drive"
		}
		devices = append(devices, Device{
			ID:            fmt.Sprintf(`\\.\PhysicalDrive%d`, d.Number),
			Name:          name,
			CapacityBytes: d.Size,
			Removable:     bus == "usb" || bus == "sd" || bus == "mmc",
			System:        d.IsSystem || d.IsBoot,
			Bus:           bus,
		})
	}
	return devices, nil
}

// busTypeName normalises BusType, which PowerShell serialises either as the
// enum name or as its numeric value depending on version.
func busTypeName(v any) string {
	switch t := v.(type) {
	case string:
		return strings.ToLower(t)
	case float64:
		switch int(t) {
		case 7:
			return "usb"
		case 12:
			return "sd"
		case 13:
			return "mmc"
		case 11:
			return "sata"
		case 17:
			return "nvme"
		default:
			return fmt.Sprintf("bus-%d", int(t))
		}
	default:
		return ""
	}
}
