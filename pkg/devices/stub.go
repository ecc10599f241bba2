//go:build !linux && !darwin && !windows

package devices

import (
	"context"
	"fmt"
	"runtime"

	"github.com/corekit/coreflash/pkg/errors"
)

// DefaultWatchDirs is empty on unsupported hosts.
var DefaultWatchDirs []string

// StubProvider reports that device enumeration is unavailable.
type StubProvider struct{}

// NewPlatformProvider returns the provider for the running host.
func NewPlatformProvider() Provider {
	return &StubProvider{}
}

func (p *StubProvider) Name() string { return "stub" }

func (p *StubProvider) Probe(ctx context.Context) ([]Device, error) {
	return nil, fmt.Errorf("%w: device enumeration on %s", errors.ErrUnsupportedPlatform, runtime.GOOS)
}
