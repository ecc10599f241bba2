package devices

import "context"

// Provider enumerates the disks known to the host, system disks included.
// Implementations must not filter for safety; the Catalog does that.
type Provider interface {
	// Probe returns a fresh view of the host disks.
	Probe(ctx context.Context) ([]Device, error)

	// Name identifies the enumeration mechanism for logs.
	Name() string
}

// Lister is the read side of the Catalog used by the flashing engine.
type Lister interface {
	List(ctx context.Context) ([]Device, error)
}
