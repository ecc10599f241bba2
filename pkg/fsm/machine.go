// Package fsm implements the flash session workflow.
// It validates the image, re-checks the target device, runs the flash job
// and records the outcome, using the superfly/fsm library so that every
// transition is persisted.
package fsm

import (
	"context"
	"sync"

	"github.com/superfly/fsm"

	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
	"github.com/corekit/coreflash/pkg/security"
)

// DeviceFinder resolves a device ID against a fresh enumeration.
type DeviceFinder interface {
	Lookup(ctx context.Context, id string) (devices.Device, error)
}

// ProgressFunc receives every progress event of the flash job.
type ProgressFunc func(flash.ProgressEvent)

// Machine holds dependencies for FSM transitions
type Machine struct {
	finder    DeviceFinder
	engine    *flash.Engine
	repo      *db.Repository
	validator *security.Validator
	progress  ProgressFunc

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewMachine creates a new FSM machine with dependencies. progress may be nil.
func NewMachine(
	finder DeviceFinder,
	engine *flash.Engine,
	repo *db.Repository,
	validator *security.Validator,
	progress ProgressFunc,
) *Machine {
	if progress == nil {
		progress = func(flash.ProgressEvent) {}
	}
	return &Machine{
		finder:    finder,
		engine:    engine,
		repo:      repo,
		validator: validator,
		progress:  progress,
		cancelled: make(map[string]bool),
	}
}

// Register registers the flash session FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "flash-session").
		Start(StateValidateImage, m.handleValidateImage).
		To(StateCheckDevice, m.handleCheckDevice).
		To(StateFlash, m.handleFlash).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Cancel stops the session's flash job, or keeps it from starting.
func (m *Machine) Cancel(jobID string) {
	m.mu.Lock()
	m.cancelled[jobID] = true
	m.mu.Unlock()

	// the job may not exist yet; handleFlash re-checks the flag
	_ = m.engine.Cancel(jobID)
}

func (m *Machine) isCancelled(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[jobID]
}
