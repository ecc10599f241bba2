package flash

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
)

const mib = 1024 * 1024

// memDevice simulates a block device in memory.
type memDevice struct {
	mu      sync.Mutex
	data    []byte
	writes  int
	syncs   int
	closes  int
	opens   int
	failOn  int
	failErr error
	openErr error
	// gate, when set, blocks every Write until it can receive.
	gate    chan struct{}
	onWrite func(count int)
}

func newMemDevice(size int, fill byte) *memDevice {
	return &memDevice{data: bytes.Repeat([]byte{fill}, size)}
}

func (d *memDevice) snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

func (d *memDevice) OpenWrite(context.Context, devices.Device) (io.WriteCloser, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &memWriter{d: d}, nil
}

func (d *memDevice) OpenRead(context.Context, devices.Device) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(d.snapshot())), nil
}

type memWriter struct {
	d   *memDevice
	off int
}

func (w *memWriter) Write(p []byte) (int, error) {
	d := w.d
	if d.gate != nil {
		<-d.gate
	}

	d.mu.Lock()
	d.writes++
	count := d.writes
	if d.failOn == count {
		d.mu.Unlock()
		return 0, d.failErr
	}
	if w.off+len(p) > len(d.data) {
		d.mu.Unlock()
		return 0, syscall.ENOSPC
	}
	copy(d.data[w.off:], p)
	w.off += len(p)
	d.mu.Unlock()

	if d.onWrite != nil {
		d.onWrite(count)
	}
	return len(p), nil
}

func (w *memWriter) Sync() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.syncs++
	return nil
}

func (w *memWriter) Close() error {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	w.d.closes++
	return nil
}

type staticLister struct {
	devices []devices.Device
	err     error
}

func (s staticLister) List(context.Context) ([]devices.Device, error) {
	return s.devices, s.err
}

func usbStick(capacity uint64) devices.Device {
	return devices.Device{
		ID:            "/dev/sdb",
		Name:          "SanDisk Ultra",
		CapacityBytes: capacity,
		Removable:     true,
		Bus:           "usb",
	}
}

func randomImage(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(data)
	return data
}

func memImage(data []byte) Image {
	return Image{
		Name: "test.img",
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func waitJob(t *testing.T, j *Job) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := j.Wait(ctx)
	require.NoError(t, err)
	return res
}

func drain(j *Job) []ProgressEvent {
	var out []ProgressEvent
	for ev := range j.Events() {
		out = append(out, ev)
	}
	return out
}

func countPhase(events []ProgressEvent, p Phase) int {
	n := 0
	for _, ev := range events {
		if ev.Phase == p {
			n++
		}
	}
	return n
}

func TestFlashTenMiBImageOntoSixteenMiBDevice(t *testing.T) {
	image := randomImage(10 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{Verify: true})
	require.NoError(t, err)

	res := waitJob(t, j)
	events := drain(j)

	require.NoError(t, res.Err)
	assert.Equal(t, PhaseDone, res.State)
	assert.Equal(t, int64(10*mib), res.BytesWritten)
	assert.Equal(t, int64(10*mib), res.BytesVerified)
	assert.Equal(t, int64(-1), res.MismatchOffset)

	assert.Equal(t, 10, countPhase(events, PhaseWriting))
	assert.Equal(t, 10, countPhase(events, PhaseVerifying))
	assert.Equal(t, PhasePreparing, events[0].Phase)
	last := events[len(events)-1]
	assert.Equal(t, PhaseDone, last.Phase)
	assert.Equal(t, float64(100), last.Percent)

	var prev int64
	for _, ev := range events {
		if ev.Phase != PhaseWriting {
			continue
		}
		assert.Equal(t, prev+mib, ev.BytesDone, "writing events advance one chunk at a time")
		assert.Equal(t, int64(10*mib), ev.BytesTotal)
		prev = ev.BytesDone
	}

	got := mem.snapshot()
	assert.True(t, bytes.Equal(image, got[:10*mib]))
	assert.True(t, bytes.Equal(make([]byte, 6*mib), got[10*mib:]))
	assert.Equal(t, 10, mem.writes)
	assert.Equal(t, 1, mem.syncs)
	assert.Equal(t, 1, mem.closes)
	assert.Equal(t, PhaseDone, j.State())
}

func TestCancelAfterThirdChunk(t *testing.T) {
	image := randomImage(10 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0xEE)

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	mem.onWrite = func(count int) {
		if count == 3 {
			assert.NoError(t, e.Cancel("job-1"))
		}
	}

	j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{ID: "job-1", Verify: true})
	require.NoError(t, err)

	res := waitJob(t, j)
	events := drain(j)

	assert.Equal(t, PhaseCancelled, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(3*mib), res.BytesWritten)
	assert.Equal(t, int64(0), res.BytesVerified)
	assert.Equal(t, int64(3*mib), j.BytesWritten())
	assert.Equal(t, PhaseCancelled, events[len(events)-1].Phase)
	assert.Zero(t, countPhase(events, PhaseVerifying))

	got := mem.snapshot()
	assert.True(t, bytes.Equal(image[:3*mib], got[:3*mib]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{0xEE}, 13*mib), got[3*mib:]), "bytes past the cancelled chunk must be untouched")
	assert.Equal(t, 3, mem.writes)
	assert.Equal(t, 1, mem.closes)
}

func TestCancelThroughContext(t *testing.T) {
	image := randomImage(4 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem.onWrite = func(count int) {
		if count == 1 {
			cancel()
		}
	}

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	j, err := e.Start(ctx, memImage(image), dev, StartOptions{})
	require.NoError(t, err)

	res := waitJob(t, j)
	assert.Equal(t, PhaseCancelled, res.State)
	assert.Equal(t, int64(mib), res.BytesWritten)
}

// blockingLister holds every List call until the caller's context ends.
type blockingLister struct {
	entered chan struct{}
}

func (b blockingLister) List(ctx context.Context) ([]devices.Device, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancelWhilePreparing(t *testing.T) {
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0xEE)
	lister := blockingLister{entered: make(chan struct{})}

	e := New(lister, mem, Options{ChunkSize: mib})
	j, err := e.Start(context.Background(), memImage(randomImage(4*mib)), dev, StartOptions{Verify: true})
	require.NoError(t, err)

	<-lister.entered
	j.Cancel()

	res := waitJob(t, j)
	events := drain(j)

	assert.Equal(t, PhaseCancelled, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, int64(-1), res.MismatchOffset)
	assert.Zero(t, res.BytesWritten)
	assert.Equal(t, PhaseCancelled, events[len(events)-1].Phase)
	assert.Zero(t, mem.opens, "a job cancelled while preparing must not open the device")
}

func TestSecondStartOnBusyDeviceFails(t *testing.T) {
	image := randomImage(2 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)
	mem.gate = make(chan struct{})

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	first, err := e.Start(context.Background(), memImage(image), dev, StartOptions{})
	require.NoError(t, err)

	_, err = e.Start(context.Background(), memImage(image), dev, StartOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceBusy))
	assert.Len(t, e.Jobs(), 1)

	close(mem.gate)
	res := waitJob(t, first)
	assert.Equal(t, PhaseDone, res.State)

	second, err := e.Start(context.Background(), memImage(image), dev, StartOptions{})
	require.NoError(t, err, "device lock is released once the first job finishes")
	assert.Equal(t, PhaseDone, waitJob(t, second).State)
}

func TestStartRejectsUnsafeDevices(t *testing.T) {
	image := randomImage(mib)
	mem := newMemDevice(16*mib, 0)

	system := usbStick(16 * mib)
	system.System = true
	fixed := usbStick(16 * mib)
	fixed.Removable = false
	rootMounted := usbStick(16 * mib)
	rootMounted.MountPoints = []string{"/"}

	for _, dev := range []devices.Device{system, fixed, rootMounted} {
		e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
		_, err := e.Start(context.Background(), memImage(image), dev, StartOptions{})
		assert.True(t, errors.Is(err, errors.ErrUnsafeDevice), "got %v", err)
		assert.Empty(t, e.Jobs())
	}
	assert.Zero(t, mem.opens)
}

func TestPreparingRejectsChangedDevices(t *testing.T) {
	image := randomImage(2 * mib)
	selected := usbStick(16 * mib)

	resized := selected
	resized.CapacityBytes = 32 * mib
	nowSystem := selected
	nowSystem.System = true

	tests := []struct {
		name    string
		catalog staticLister
		want    error
	}{
		{"unplugged", staticLister{}, errors.ErrDeviceNoLongerValid},
		{"different capacity", staticLister{devices: []devices.Device{resized}}, errors.ErrDeviceNoLongerValid},
		{"reclassified as system", staticLister{devices: []devices.Device{nowSystem}}, errors.ErrDeviceNoLongerValid},
		{"enumeration failed", staticLister{err: errors.New("lsblk exploded")}, errors.ErrDeviceNoLongerValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := newMemDevice(32*mib, 0)
			e := New(tt.catalog, mem, Options{ChunkSize: mib})

			j, err := e.Start(context.Background(), memImage(image), selected, StartOptions{})
			require.NoError(t, err)

			res := waitJob(t, j)
			assert.Equal(t, PhaseError, res.State)
			assert.True(t, errors.Is(res.Err, tt.want), "got %v", res.Err)
			assert.Zero(t, mem.opens, "nothing may be opened for writing")
		})
	}
}

func TestImageLargerThanDevice(t *testing.T) {
	image := randomImage(9 * mib)
	dev := usbStick(8 * mib)
	mem := newMemDevice(8*mib, 0)

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{})
	require.NoError(t, err)

	res := waitJob(t, j)
	assert.Equal(t, PhaseError, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrImageTooLarge))
	assert.Zero(t, mem.writes)
}

func TestDeviceInUseIsNotReportedAsActiveJob(t *testing.T) {
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)
	mem.openErr = fmt.Errorf("%w: /dev/sdb: %v", errors.ErrDeviceInUse, syscall.EBUSY)

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	j, err := e.Start(context.Background(), memImage(randomImage(mib)), dev, StartOptions{})
	require.NoError(t, err)

	res := waitJob(t, j)
	assert.Equal(t, PhaseError, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrDeviceInUse), "got %v", res.Err)
	assert.False(t, errors.Is(res.Err, errors.ErrDeviceBusy))
	assert.False(t, errors.Is(res.Err, errors.ErrWriteFailed), "opener errors keep their kind")
	assert.NotContains(t, res.Err.Error(), "active job")
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestImageCheckedAtEndOfStream(t *testing.T) {
	data := randomImage(2 * mib)
	tests := []struct {
		name   string
		verify bool
		tail   io.Reader
		want   error
	}{
		{"corrupt member while writing", false, failingReader{zip.ErrChecksum}, zip.ErrChecksum},
		{"corrupt member while verifying", true, failingReader{zip.ErrChecksum}, zip.ErrChecksum},
		{"trailing bytes", false, bytes.NewReader([]byte{1}), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := usbStick(16 * mib)
			mem := newMemDevice(16*mib, 0)
			opens := 0
			img := Image{
				Name: "bundle.zip",
				Size: int64(len(data)),
				Open: func() (io.ReadCloser, error) {
					opens++
					tail := tt.tail
					if tt.verify && opens == 1 {
						tail = bytes.NewReader(nil)
					}
					return io.NopCloser(io.MultiReader(bytes.NewReader(data), tail)), nil
				},
			}

			e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
			j, err := e.Start(context.Background(), img, dev, StartOptions{Verify: tt.verify})
			require.NoError(t, err)

			res := waitJob(t, j)
			assert.Equal(t, PhaseError, res.State)
			require.Error(t, res.Err)
			if tt.want != nil {
				assert.True(t, errors.Is(res.Err, tt.want), "got %v", res.Err)
			}
			assert.Equal(t, int64(2*mib), res.BytesWritten)
		})
	}
}

func TestWriteFailures(t *testing.T) {
	tests := []struct {
		name    string
		failErr error
		want    error
	}{
		{"io error", syscall.EIO, errors.ErrWriteFailed},
		{"device unplugged", syscall.ENODEV, errors.ErrDeviceRemoved},
		{"device node gone", syscall.ENXIO, errors.ErrDeviceRemoved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image := randomImage(4 * mib)
			dev := usbStick(16 * mib)
			mem := newMemDevice(16*mib, 0)
			mem.failOn = 2
			mem.failErr = tt.failErr

			e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
			j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{Verify: true})
			require.NoError(t, err)

			res := waitJob(t, j)
			events := drain(j)

			assert.Equal(t, PhaseError, res.State)
			assert.True(t, errors.Is(res.Err, tt.want), "got %v", res.Err)
			assert.Equal(t, int64(mib), res.BytesWritten)
			assert.Equal(t, 2, mem.writes, "failed writes are not retried")
			assert.Equal(t, 1, mem.closes)
			assert.Equal(t, PhaseError, events[len(events)-1].Phase)
		})
	}
}

func TestStartVerifyReportsMismatch(t *testing.T) {
	image := randomImage(3 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)
	copy(mem.data, image)
	mem.data[2*mib+17] ^= 0xFF

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})
	j, err := e.StartVerify(context.Background(), memImage(image), dev, StartOptions{})
	require.NoError(t, err)

	res := waitJob(t, j)
	assert.Equal(t, PhaseError, res.State)
	assert.True(t, errors.Is(res.Err, errors.ErrVerifyMismatch))
	assert.Equal(t, int64(2*mib+17), res.MismatchOffset)
	assert.Equal(t, int64(2*mib), res.BytesVerified)
	assert.Zero(t, mem.writes, "standalone verify never writes")
}

func TestTerminalEventSurvivesFullBuffer(t *testing.T) {
	image := randomImage(8 * mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib, EventBuffer: 2})
	j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{})
	require.NoError(t, err)

	res := waitJob(t, j)
	events := drain(j)

	assert.Equal(t, PhaseDone, res.State)
	require.NotEmpty(t, events)
	assert.LessOrEqual(t, len(events), 2)
	assert.Equal(t, PhaseDone, events[len(events)-1].Phase)
}

func TestJobRegistry(t *testing.T) {
	image := randomImage(mib)
	dev := usbStick(16 * mib)
	mem := newMemDevice(16*mib, 0)
	mem.gate = make(chan struct{})

	e := New(staticLister{devices: []devices.Device{dev}}, mem, Options{ChunkSize: mib})

	assert.True(t, errors.Is(e.Cancel("missing"), errors.ErrJobNotFound))
	assert.True(t, errors.Is(e.Forget("missing"), errors.ErrJobNotFound))

	j, err := e.Start(context.Background(), memImage(image), dev, StartOptions{ID: "abc"})
	require.NoError(t, err)

	_, err = e.Start(context.Background(), memImage(image), usbStick(16*mib), StartOptions{ID: "abc"})
	assert.Error(t, err, "job IDs are unique")

	got, err := e.Job("abc")
	require.NoError(t, err)
	assert.Same(t, j, got)
	assert.True(t, errors.Is(e.Forget("abc"), ErrJobActive))

	close(mem.gate)
	waitJob(t, j)

	require.NoError(t, e.Forget("abc"))
	_, err = e.Job("abc")
	assert.True(t, errors.Is(err, errors.ErrJobNotFound))
}

func TestStartRejectsEmptyImage(t *testing.T) {
	dev := usbStick(16 * mib)
	e := New(staticLister{devices: []devices.Device{dev}}, newMemDevice(mib, 0), Options{})

	_, err := e.Start(context.Background(), memImage(nil), dev, StartOptions{})
	assert.True(t, errors.Is(err, errors.ErrEmpty))
}
