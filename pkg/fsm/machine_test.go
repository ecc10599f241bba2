package fsm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/superfly/fsm"

	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
	"github.com/corekit/coreflash/pkg/security"
)

const mib = 1024 * 1024

type memDisk struct {
	mu     sync.Mutex
	data   []byte
	writes int
}

type memDiskWriter struct {
	d   *memDisk
	off int
}

func (w *memDiskWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	copy(w.d.data[w.off:], p)
	w.off += len(p)
	w.d.writes++
	return len(p), nil
}

func (w *memDiskWriter) Close() error { return nil }

func (d *memDisk) OpenWrite(context.Context, devices.Device) (io.WriteCloser, error) {
	return &memDiskWriter{d: d}, nil
}

func (d *memDisk) OpenRead(context.Context, devices.Device) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return io.NopCloser(bytes.NewReader(append([]byte(nil), d.data...))), nil
}

type fakeCatalog struct {
	devices []devices.Device
}

func (c fakeCatalog) List(context.Context) ([]devices.Device, error) {
	return c.devices, nil
}

func (c fakeCatalog) Lookup(_ context.Context, id string) (devices.Device, error) {
	for _, d := range c.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return devices.Device{}, errors.ErrDeviceNoLongerValid
}

type harness struct {
	machine *Machine
	repo    *db.Repository
	disk    *memDisk
	events  []flash.ProgressEvent
	image   []byte
	path    string
}

func newHarness(t *testing.T, capacity uint64) *harness {
	t.Helper()
	dir := t.TempDir()

	repo, err := db.NewRepository(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	image := make([]byte, 3*mib)
	rand.New(rand.NewSource(1)).Read(image)
	path := filepath.Join(dir, "raspios.img")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		t.Fatal(err)
	}

	stick := devices.Device{ID: "/dev/sdb", Name: "SanDisk Ultra", CapacityBytes: capacity, Removable: true}
	catalog := fakeCatalog{devices: []devices.Device{stick}}
	disk := &memDisk{data: make([]byte, capacity)}

	h := &harness{repo: repo, disk: disk, image: image, path: path}
	engine := flash.New(catalog, disk, flash.Options{ChunkSize: mib})
	h.machine = NewMachine(catalog, engine, repo, security.NewValidator(0, 100), func(ev flash.ProgressEvent) {
		h.events = append(h.events, ev)
	})
	return h
}

func (h *harness) request(imagePath string) (*FlashRequest, *FlashResponse) {
	return &FlashRequest{
		JobID:         "job-1",
		ImagePath:     imagePath,
		DeviceID:      "/dev/sdb",
		Verify:        true,
		HashAlgorithm: "sha256",
	}, &FlashResponse{}
}

func TestSessionFlashesAndRecordsOutcome(t *testing.T) {
	h := newHarness(t, 16*mib)
	ctx := context.Background()
	req, resp := h.request(h.path)
	r := fsm.NewRequest(req, resp)

	steps := []func(context.Context, *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error){
		h.machine.handleValidateImage,
		h.machine.handleCheckDevice,
		h.machine.handleFlash,
		h.machine.handleComplete,
	}
	for i, step := range steps {
		if _, err := step(ctx, r); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	sum := sha256.Sum256(h.image)
	if resp.Digest != hex.EncodeToString(sum[:]) {
		t.Errorf("digest mismatch: %s", resp.Digest)
	}
	if resp.State != db.StateDone || resp.BytesWritten != 3*mib || resp.BytesVerified != 3*mib {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !bytes.Equal(h.disk.data[:3*mib], h.image) {
		t.Error("device contents differ from image")
	}
	if len(h.events) == 0 || h.events[len(h.events)-1].Phase != flash.PhaseDone {
		t.Errorf("progress not forwarded: %d events", len(h.events))
	}

	job, err := h.repo.Get(ctx, "job-1")
	if err != nil || job == nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if job.State != db.StateDone || job.ImageFormat != "IMG" || job.DeviceName != "SanDisk Ultra" || job.FinishedAt.IsZero() {
		t.Errorf("ledger row incomplete: %+v", job)
	}
}

func TestSessionMissingImageFails(t *testing.T) {
	h := newHarness(t, 16*mib)
	ctx := context.Background()
	req, resp := h.request(filepath.Join(t.TempDir(), "missing.img"))

	if _, err := h.machine.handleValidateImage(ctx, fsm.NewRequest(req, resp)); err == nil {
		t.Fatal("expected validation to fail")
	}

	job, _ := h.repo.Get(ctx, "job-1")
	if job == nil || job.State != db.StateError {
		t.Fatalf("failure not recorded: %+v", job)
	}
	if !strings.Contains(job.ErrorMessage, "image not found") {
		t.Errorf("unexpected error message: %q", job.ErrorMessage)
	}
}

func TestSessionDeviceTooSmall(t *testing.T) {
	h := newHarness(t, 2*mib)
	ctx := context.Background()
	req, resp := h.request(h.path)
	r := fsm.NewRequest(req, resp)

	if _, err := h.machine.handleValidateImage(ctx, r); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if _, err := h.machine.handleCheckDevice(ctx, r); err == nil {
		t.Fatal("expected device check to fail")
	}

	job, _ := h.repo.Get(ctx, "job-1")
	if job.State != db.StateError || !strings.Contains(job.ErrorMessage, "does not fit") {
		t.Errorf("unexpected ledger row: %+v", job)
	}
	if h.disk.writes != 0 {
		t.Errorf("expected no writes, got %d", h.disk.writes)
	}
}

func TestSessionCancelledBeforeFlash(t *testing.T) {
	h := newHarness(t, 16*mib)
	ctx := context.Background()
	req, resp := h.request(h.path)
	r := fsm.NewRequest(req, resp)

	if _, err := h.machine.handleValidateImage(ctx, r); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	h.machine.Cancel("job-1")

	if _, err := h.machine.handleFlash(ctx, r); err != nil {
		t.Fatalf("flash failed: %v", err)
	}
	if _, err := h.machine.handleComplete(ctx, r); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	if resp.State != db.StateCancelled {
		t.Errorf("expected cancelled, got %s", resp.State)
	}
	if h.disk.writes != 0 {
		t.Errorf("expected no writes, got %d", h.disk.writes)
	}
	job, _ := h.repo.Get(ctx, "job-1")
	if job.State != db.StateCancelled {
		t.Errorf("ledger state: %s", job.State)
	}
}
