//go:build darwin

package devices

import (
	"context"
	"log/slog"

	"github.com/corekit/coreflash/pkg/errors"
)

// DefaultWatchDirs holds the directories where device nodes appear.
var DefaultWatchDirs = []string{"/dev"}

// DarwinProvider enumerates external physical disks with diskutil.
type DarwinProvider struct {
	run commandRunner
}

// NewPlatformProvider returns the provider for the running host.
func NewPlatformProvider() Provider {
	return &DarwinProvider{run: execRunner}
}

func (p *DarwinProvider) Name() string { return "diskutil" }

func (p *DarwinProvider) Probe(ctx context.Context) ([]Device, error) {
	out, err := p.run(ctx, "diskutil", "list", "external", "physical")
	if err != nil {
		return nil, errors.Wrap(err, "failed to run diskutil")
	}

	var devices []Device
	for _, id := range parseDiskutilList(string(out)) {
		info, err := p.run(ctx, "diskutil", "info", id)
		if err != nil {
			slog.Error("diskutil_info_failed", "device", id, "error", err)
			return nil, errors.Wrap(err, "diskutil info failed")
		}
		devices = append(devices, parseDiskutilInfo(id, string(info)))
	}
	return devices, nil
}
