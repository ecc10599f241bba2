package flash

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
)

type jobKind string

const (
	kindFlash  jobKind = "flash"
	kindVerify jobKind = "verify"
)

// Result is the final outcome of a job.
type Result struct {
	State         Phase
	BytesWritten  int64
	BytesVerified int64
	// Err is nil for Done and Cancelled.
	Err error
	// MismatchOffset is the first differing byte, or -1.
	MismatchOffset int64
}

// Job is a single flash or verify operation on one device.
type Job struct {
	ID        string
	Image     Image
	Device    devices.Device
	Verify    bool
	StartedAt time.Time

	kind   jobKind
	engine *Engine
	cancel context.CancelFunc

	cancelRequested atomic.Bool
	written         atomic.Int64
	verified        atomic.Int64

	mu     sync.Mutex
	state  Phase
	result Result

	events chan ProgressEvent
	done   chan struct{}
	meter  *meter
}

func newJob(e *Engine, id string, kind jobKind, img Image, dev devices.Device, verify bool, cancel context.CancelFunc) *Job {
	return &Job{
		ID:        id,
		Image:     img,
		Device:    dev,
		Verify:    verify,
		StartedAt: e.opts.Now(),
		kind:      kind,
		engine:    e,
		cancel:    cancel,
		state:     PhasePreparing,
		events:    make(chan ProgressEvent, e.opts.EventBuffer),
		done:      make(chan struct{}),
	}
}

// Events returns the progress channel. It is closed after the terminal
// event. Intermediate events are dropped when the consumer falls behind.
func (j *Job) Events() <-chan ProgressEvent {
	return j.events
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result returns the outcome; it is only meaningful once Done is closed.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// State returns the current phase.
func (j *Job) State() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// BytesWritten returns the bytes written to the device so far.
func (j *Job) BytesWritten() int64 {
	return j.written.Load()
}

// Cancel asks the job to stop at the next chunk boundary.
func (j *Job) Cancel() {
	if j.cancelRequested.CompareAndSwap(false, true) {
		slog.Info("flash_cancel_requested", "job_id", j.ID, "state", j.State())
	}
	j.cancel()
}

func (j *Job) setState(p Phase) {
	j.mu.Lock()
	j.state = p
	j.mu.Unlock()
}

func (j *Job) run(ctx context.Context) {
	res := j.execute(ctx)
	j.finish(res)
}

func (j *Job) execute(ctx context.Context) Result {
	res := Result{MismatchOffset: -1}
	total := j.Image.Size

	j.emit(PhasePreparing, total, fmt.Sprintf("Checking %s", j.Device.Name))
	dev, err := j.engine.recheck(ctx, j.Device)
	if err != nil {
		res.Err = err
		return j.terminal(ctx, res)
	}
	if dev.CapacityBytes < uint64(total) {
		res.Err = fmt.Errorf("%w: image is %s, device holds %s",
			errors.ErrImageTooLarge, humanize.Bytes(uint64(total)), dev.SizeHuman())
		return j.terminal(ctx, res)
	}
	if ctx.Err() != nil {
		return j.terminal(ctx, res)
	}

	if j.kind == kindFlash {
		res.BytesWritten, err = j.write(ctx, dev)
		if err != nil || ctx.Err() != nil {
			res.Err = err
			return j.terminal(ctx, res)
		}
	}

	if j.Verify {
		res.BytesVerified, err = j.verify(ctx, dev)
		if err != nil {
			var mm *MismatchError
			if errors.As(err, &mm) {
				res.MismatchOffset = mm.Offset
			}
			if err != ErrCancelled {
				res.Err = err
			}
			return j.terminal(ctx, res)
		}
	}

	res.State = PhaseDone
	return res
}

// terminal picks Cancelled or Error for an unfinished job. A requested
// cancel wins over whatever error it caused on the way out, such as a
// device lookup or unmount aborted by the cancelled context.
func (j *Job) terminal(ctx context.Context, res Result) Result {
	if j.cancelRequested.Load() || ctx.Err() != nil {
		if res.Err != nil {
			slog.Debug("flash_cancel_error_discarded", "job_id", j.ID, "error", res.Err)
		}
		res.State = PhaseCancelled
		res.Err = nil
		res.MismatchOffset = -1
		return res
	}
	res.State = PhaseError
	return res
}

func (j *Job) write(ctx context.Context, dev devices.Device) (int64, error) {
	total := j.Image.Size
	chunk := int64(j.engine.pool.Size())

	src, err := j.Image.Open()
	if err != nil {
		return 0, errors.Wrap(err, "failed to open image")
	}
	defer src.Close()

	dst, err := j.engine.opener.OpenWrite(ctx, dev)
	if err != nil {
		slog.Error("flash_device_open_failed", "job_id", j.ID, "device", dev.ID, "error", err)
		return 0, classifyWriteError(err)
	}
	out := &onceCloser{WriteCloser: dst}
	defer out.Close()

	buf := j.engine.pool.Get()
	defer j.engine.pool.Put(buf)

	j.setState(PhaseWriting)
	j.meter = newMeter(j.engine.opts.SpeedWindow, j.engine.opts.Now())

	var done int64
	for done < total {
		n := min(chunk, total-done)
		if _, err := io.ReadFull(src, (*buf)[:n]); err != nil {
			slog.Error("flash_image_read_failed", "job_id", j.ID, "offset", done, "error", err)
			return done, errors.Wrap(err, "failed to read image")
		}

		w, err := out.Write((*buf)[:n])
		if err == nil && int64(w) != n {
			err = io.ErrShortWrite
		}
		if err != nil {
			slog.Error("flash_write_failed", "job_id", j.ID, "device", dev.ID, "offset", done, "error", err)
			return done, classifyWriteError(err)
		}

		done += n
		j.written.Store(done)
		j.progress(PhaseWriting, done, total, "Writing")
		slog.Debug("flash_chunk_written", "job_id", j.ID, "bytes_written", done)

		if ctx.Err() != nil {
			slog.Info("flash_write_cancelled", "job_id", j.ID, "bytes_written", done)
			return done, nil
		}
	}

	if err := drainImage(src); err != nil {
		slog.Error("flash_image_check_failed", "job_id", j.ID, "error", err)
		return done, err
	}

	if s, ok := dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			slog.Error("flash_sync_failed", "job_id", j.ID, "device", dev.ID, "error", err)
			return done, classifyWriteError(err)
		}
	}
	if err := out.Close(); err != nil {
		return done, classifyWriteError(err)
	}

	slog.Info("flash_write_complete", "job_id", j.ID, "bytes_written", done)
	return done, nil
}

func (j *Job) verify(ctx context.Context, dev devices.Device) (int64, error) {
	total := j.Image.Size

	src, err := j.Image.Open()
	if err != nil {
		return 0, errors.Wrap(err, "failed to open image for verification")
	}
	defer src.Close()

	rd, err := j.engine.opener.OpenRead(ctx, dev)
	if err != nil {
		return 0, classifyReadError(err)
	}
	defer rd.Close()

	j.setState(PhaseVerifying)
	j.meter = newMeter(j.engine.opts.SpeedWindow, j.engine.opts.Now())

	err = verify(ctx, src, rd, total, j.engine.pool, func(done int64) {
		j.verified.Store(done)
		j.progress(PhaseVerifying, done, total, "Verifying")
	})
	if err != nil {
		slog.Error("flash_verify_failed", "job_id", j.ID, "device", dev.ID, "bytes_verified", j.verified.Load(), "error", err)
		return j.verified.Load(), err
	}
	if err := drainImage(src); err != nil {
		slog.Error("flash_image_check_failed", "job_id", j.ID, "error", err)
		return total, err
	}

	slog.Info("flash_verify_complete", "job_id", j.ID, "bytes_verified", total)
	return total, nil
}

// drainImage reads past the last image byte so that stream-level checks
// which only run at EOF, such as a ZIP member's CRC-32, are enforced.
func drainImage(src io.Reader) error {
	var one [1]byte
	n, err := io.ReadAtLeast(src, one[:], 1)
	switch {
	case n > 0:
		return errors.New("image is longer than its recorded size")
	case err == io.EOF:
		return nil
	default:
		return errors.Wrap(err, "image failed its integrity check")
	}
}

// progress emits a per-chunk event with throughput and ETA.
func (j *Job) progress(phase Phase, done, total int64, verb string) {
	now := j.engine.opts.Now()
	j.meter.add(now, done)
	speed := j.meter.rate()

	msg := fmt.Sprintf("%s %s of %s", verb, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
	if speed > 0 {
		msg += fmt.Sprintf(" at %s/s", humanize.Bytes(uint64(speed)))
	}

	j.send(ProgressEvent{
		JobID:            j.ID,
		Phase:            phase,
		BytesDone:        done,
		BytesTotal:       total,
		Percent:          percent(done, total),
		SpeedBytesPerSec: speed,
		ETASeconds:       eta(total-done, speed),
		Message:          msg,
		Time:             now,
	})
}

func (j *Job) emit(phase Phase, total int64, msg string) {
	j.send(ProgressEvent{
		JobID:      j.ID,
		Phase:      phase,
		BytesTotal: total,
		Message:    msg,
		Time:       j.engine.opts.Now(),
	})
}

// send never blocks; a slow consumer loses intermediate events.
func (j *Job) send(ev ProgressEvent) {
	select {
	case j.events <- ev:
	default:
		slog.Debug("flash_event_dropped", "job_id", j.ID, "phase", ev.Phase, "bytes_done", ev.BytesDone)
	}
}

// sendTerminal always delivers ev, evicting the oldest queued event when
// the buffer is full. Only the job goroutine sends, so one eviction is enough.
func (j *Job) sendTerminal(ev ProgressEvent) {
	select {
	case j.events <- ev:
		return
	default:
	}
	select {
	case <-j.events:
	default:
	}
	j.events <- ev
}

func (j *Job) finish(res Result) {
	j.mu.Lock()
	j.state = res.State
	j.result = res
	j.mu.Unlock()

	j.engine.release(j)

	done := res.BytesWritten
	if j.kind == kindVerify {
		done = res.BytesVerified
	}
	msg := "Complete"
	switch res.State {
	case PhaseError:
		msg = res.Err.Error()
		slog.Error("flash_job_failed", "job_id", j.ID, "device", j.Device.ID, "bytes_written", res.BytesWritten, "error", res.Err)
	case PhaseCancelled:
		msg = "Cancelled"
		slog.Info("flash_job_cancelled", "job_id", j.ID, "device", j.Device.ID, "bytes_written", res.BytesWritten)
	default:
		slog.Info("flash_job_complete", "job_id", j.ID, "device", j.Device.ID,
			"bytes_written", res.BytesWritten, "bytes_verified", res.BytesVerified,
			"duration", j.engine.opts.Now().Sub(j.StartedAt))
	}

	j.sendTerminal(ProgressEvent{
		JobID:      j.ID,
		Phase:      res.State,
		BytesDone:  done,
		BytesTotal: j.Image.Size,
		Percent:    percent(done, j.Image.Size),
		Message:    msg,
		Time:       j.engine.opts.Now(),
	})
	close(j.events)
	j.cancel()
	close(j.done)
}

// onceCloser lets the success path close (and surface the error) while a
// deferred Close still covers every early return.
type onceCloser struct {
	io.WriteCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.WriteCloser.Close() })
	return c.err
}
