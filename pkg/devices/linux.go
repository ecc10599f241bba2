//go:build linux

package devices

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"

	"github.com/corekit/coreflash/pkg/errors"
)

// DefaultWatchDirs holds the directories where device nodes appear.
var DefaultWatchDirs = []string{"/dev"}

// LinuxProvider enumerates disks through sysfs via ghw.
type LinuxProvider struct {
	mountsPath string
}

// NewPlatformProvider returns the provider for the running host.
func NewPlatformProvider() Provider {
	return &LinuxProvider{mountsPath: "/proc/self/mounts"}
}

func (p *LinuxProvider) Name() string { return "ghw" }

func (p *LinuxProvider) Probe(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := ghw.Block()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read block devices")
	}

	return fromBlockDisks(info.Disks, rootMountSource(p.mountsPath)), nil
}

// rootMountSource returns the device mounted at "/" according to the mount table.
func rootMountSource(mountsPath string) string {
	f, err := os.Open(mountsPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// format: <src> <target> <fstype> <opts> ...
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if filepath.Clean(fields[1]) == "/" && strings.HasPrefix(fields[0], "/dev/") {
			if resolved, err := filepath.EvalSymlinks(fields[0]); err == nil {
				return resolved
			}
			return fields[0]
		}
	}
	return ""
}
