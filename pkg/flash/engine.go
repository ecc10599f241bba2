// Package flash streams images onto removable block devices.
//
// An Engine owns the job registry and the per-device lock. Each job runs on
// its own goroutine and reports progress through a bounded event channel.
// Jobs never retry and never roll back a partial write.
package flash

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corekit/coreflash/pkg/buffer"
	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
)

const (
	DefaultChunkSize   = 4 * 1024 * 1024
	DefaultEventBuffer = 64
	DefaultSpeedWindow = 3 * time.Second
)

// ErrJobActive is returned by Forget for jobs that have not finished.
var ErrJobActive = errors.New("job is still running")

// Image is the data the engine streams onto a device.
type Image struct {
	Name string
	Size int64
	// Open returns a new reader positioned at offset 0.
	Open func() (io.ReadCloser, error)
}

// Opener gives raw access to a device.
type Opener interface {
	OpenWrite(ctx context.Context, dev devices.Device) (io.WriteCloser, error)
	OpenRead(ctx context.Context, dev devices.Device) (io.ReadCloser, error)
}

// Options configures an Engine. Zero values pick the defaults.
type Options struct {
	ChunkSize   int
	EventBuffer int
	SpeedWindow time.Duration
	// Now is used for timestamps and throughput; defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.SpeedWindow <= 0 {
		o.SpeedWindow = DefaultSpeedWindow
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// StartOptions are per-job settings.
type StartOptions struct {
	// ID is the job identifier; a random UUID is used when empty.
	ID     string
	Verify bool
}

// Engine runs flash and verify jobs.
type Engine struct {
	catalog devices.Lister
	opener  Opener
	opts    Options
	pool    *buffer.Pool

	mu   sync.Mutex
	jobs map[string]*Job
	busy map[string]string // device ID -> job ID
}

// New creates an Engine. The catalog is consulted again right before any
// job touches a device.
func New(catalog devices.Lister, opener Opener, opts Options) *Engine {
	opts = opts.withDefaults()
	slog.Debug("flash_engine_init",
		"chunk_size", opts.ChunkSize,
		"event_buffer", opts.EventBuffer,
		"speed_window", opts.SpeedWindow)

	return &Engine{
		catalog: catalog,
		opener:  opener,
		opts:    opts,
		pool:    buffer.NewPool(opts.ChunkSize),
		jobs:    make(map[string]*Job),
		busy:    make(map[string]string),
	}
}

// Start begins writing img to dev and returns immediately. Unsafe devices
// and devices with an active job are rejected before a job exists. ctx
// bounds the lifetime of the job; cancelling it cancels the job.
func (e *Engine) Start(ctx context.Context, img Image, dev devices.Device, so StartOptions) (*Job, error) {
	return e.start(ctx, kindFlash, img, dev, so)
}

// StartVerify begins a standalone comparison of img against dev.
func (e *Engine) StartVerify(ctx context.Context, img Image, dev devices.Device, so StartOptions) (*Job, error) {
	so.Verify = true
	return e.start(ctx, kindVerify, img, dev, so)
}

func (e *Engine) start(ctx context.Context, kind jobKind, img Image, dev devices.Device, so StartOptions) (*Job, error) {
	if img.Open == nil {
		return nil, fmt.Errorf("image %q has no reader", img.Name)
	}
	if img.Size <= 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrEmpty, img.Name)
	}
	if !dev.Eligible() {
		slog.Error("flash_unsafe_device_rejected", "device", dev.ID, "system", dev.System, "removable", dev.Removable)
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsafeDevice, dev.ID)
	}

	id := so.ID
	if id == "" {
		id = uuid.NewString()
	}

	e.mu.Lock()
	if _, exists := e.jobs[id]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("job %s already exists", id)
	}
	if owner, held := e.busy[dev.ID]; held {
		e.mu.Unlock()
		slog.Warn("flash_device_busy", "device", dev.ID, "active_job", owner)
		return nil, fmt.Errorf("%w: %s (job %s)", errors.ErrDeviceBusy, dev.ID, owner)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	j := newJob(e, id, kind, img, dev, so.Verify, cancel)
	e.jobs[id] = j
	e.busy[dev.ID] = id
	e.mu.Unlock()

	slog.Info("flash_job_started",
		"job_id", id,
		"kind", kind,
		"image", img.Name,
		"image_size", img.Size,
		"device", dev.ID,
		"verify", so.Verify)

	go j.run(jobCtx)
	return j, nil
}

// Cancel requests cancellation of a job. It returns once the request is
// recorded; the job stops at its next chunk boundary.
func (e *Engine) Cancel(id string) error {
	j, err := e.Job(id)
	if err != nil {
		return err
	}
	j.Cancel()
	return nil
}

// Job returns a job by ID.
func (e *Engine) Job(id string) (*Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrJobNotFound, id)
	}
	return j, nil
}

// Jobs returns all known jobs ordered by start time.
func (e *Engine) Jobs() []*Job {
	e.mu.Lock()
	out := make([]*Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, j)
	}
	e.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

// Forget discards a finished job.
func (e *Engine) Forget(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	j, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrJobNotFound, id)
	}
	if !j.State().Terminal() {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	delete(e.jobs, id)
	return nil
}

// release frees the device lock held by j.
func (e *Engine) release(j *Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy[j.Device.ID] == j.ID {
		delete(e.busy, j.Device.ID)
	}
}

// recheck re-enumerates devices and confirms dev is still the same eligible
// device that was selected.
func (e *Engine) recheck(ctx context.Context, dev devices.Device) (devices.Device, error) {
	current, err := e.catalog.List(ctx)
	if err != nil {
		return devices.Device{}, fmt.Errorf("%w: %v", errors.ErrDeviceNoLongerValid, err)
	}
	for _, d := range current {
		if d.ID != dev.ID {
			continue
		}
		if !d.SameIdentity(dev) || !d.Eligible() {
			return devices.Device{}, fmt.Errorf("%w: %s changed since it was selected", errors.ErrDeviceNoLongerValid, dev.ID)
		}
		return d, nil
	}
	return devices.Device{}, fmt.Errorf("%w: %s is no longer attached", errors.ErrDeviceNoLongerValid, dev.ID)
}
