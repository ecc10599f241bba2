//go:build windows

package devices

import (
	"context"

	"github.com/corekit/coreflash/pkg/errors"
)

// DefaultWatchDirs is empty: physical drives have no directory to watch, so
// Watch falls back to polling.
var DefaultWatchDirs []string

// WindowsProvider enumerates disks with PowerShell Get-Disk.
type WindowsProvider struct {
	run commandRunner
}

// NewPlatformProvider returns the provider for the running host.
func NewPlatformProvider() Provider {
	return &WindowsProvider{run: execRunner}
}

func (p *WindowsProvider) Name() string { return "powershell" }

func (p *WindowsProvider) Probe(ctx context.Context) ([]Device, error) {
	out, err := p.run(ctx, "powershell", "-NoProfile", "-Command", getDiskQuery)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run PowerShell")
	}
	return parseGetDisk(out)
}
