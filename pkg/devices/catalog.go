package devices

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corekit/coreflash/pkg/errors"
)

// Catalog lists flashable devices. It keeps no state between calls: every
// List re-enumerates the host so a stale selection can never be flashed.
type Catalog struct {
	provider Provider
}

// NewCatalog creates a catalog backed by the given provider.
func NewCatalog(provider Provider) *Catalog {
	return &Catalog{provider: provider}
}

// List enumerates the host and returns only eligible devices.
// On enumeration failure it returns no devices and the error.
func (c *Catalog) List(ctx context.Context) ([]Device, error) {
	raw, err := c.provider.Probe(ctx)
	if err != nil {
		slog.Error("device_enumeration_failed", "provider", c.provider.Name(), "error", err)
		return nil, errors.Wrap(err, "device enumeration failed")
	}

	devices := make([]Device, 0, len(raw))
	for _, d := range raw {
		if !d.Eligible() {
			slog.Debug("device_excluded",
				"device", d.ID,
				"system", d.System,
				"removable", d.Removable,
				"mount_points", d.MountPoints)
			continue
		}
		devices = append(devices, d)
	}

	slog.Debug("device_enumeration_complete", "provider", c.provider.Name(), "found", len(raw), "eligible", len(devices))
	return devices, nil
}

// Lookup re-enumerates and returns the eligible device with the given ID.
func (c *Catalog) Lookup(ctx context.Context, id string) (Device, error) {
	devices, err := c.List(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %s is not an eligible removable device", errors.ErrDeviceNoLongerValid, id)
}
