package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/corekit/coreflash/pkg/checksum"
	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/diskimage"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
)

// checkNoRetry aborts any re-run of a state. A flash that failed half way
// must be restarted by the user, never replayed.
func checkNoRetry(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse], state string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount > 0 {
		slog.Error("fsm_retry_refused", "job_id", req.Msg.JobID, "state", state, "retry", retryCount)
		return fsm.Abort(fmt.Errorf("state %s is not retried (attempt %d)", state, retryCount+1))
	}
	return nil
}

func (m *Machine) openImage(path string) (*diskimage.Handle, error) {
	return diskimage.Open(path, diskimage.Options{Validator: m.validator})
}

// handleValidateImage opens and validates the image and creates the ledger row.
func (m *Machine) handleValidateImage(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_validate_image", "job_id", req.Msg.JobID, "image", req.Msg.ImagePath)

	if err := checkNoRetry(ctx, req, StateValidateImage); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &FlashResponse{}
	}
	resp.MismatchOffset = -1

	job := &db.Job{
		ID:             req.Msg.JobID,
		Kind:           db.KindFlash,
		ImagePath:      req.Msg.ImagePath,
		DeviceID:       req.Msg.DeviceID,
		Verify:         req.Msg.Verify,
		HashAlgorithm:  req.Msg.HashAlgorithm,
		MismatchOffset: -1,
	}
	if err := m.repo.Create(ctx, job); err != nil {
		slog.Error("create_job_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to create job record"))
	}

	h, err := m.openImage(req.Msg.ImagePath)
	if err != nil {
		slog.Error("image_validation_failed", "job_id", req.Msg.JobID, "image", req.Msg.ImagePath, "error", err)
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}

	resp.ImageName = h.Name
	resp.ImageSize = h.Size
	resp.ImageFormat = string(h.Format)
	resp.ImageMember = h.Member
	resp.ImageLabel = h.Label

	if req.Msg.HashAlgorithm != "" {
		algo, err := checksum.ParseAlgorithm(req.Msg.HashAlgorithm)
		if err != nil {
			return nil, m.fail(ctx, req.Msg.JobID, resp, err)
		}
		digest, err := checksum.DigestSource(h, algo)
		if err != nil {
			slog.Error("image_hash_failed", "job_id", req.Msg.JobID, "algorithm", algo, "error", err)
			return nil, m.fail(ctx, req.Msg.JobID, resp, err)
		}
		resp.Digest = digest
		slog.Info("image_hashed", "job_id", req.Msg.JobID, "algorithm", algo, "digest", digest)
	}

	job.ImageFormat = resp.ImageFormat
	job.ImageMember = resp.ImageMember
	job.ImageSize = resp.ImageSize
	job.ImageDigest = resp.Digest
	if err := m.repo.Update(ctx, job); err != nil {
		return nil, fsm.Abort(errors.Wrap(err, "failed to update job record"))
	}

	return fsm.NewResponse(resp), nil
}

// handleCheckDevice confirms the target is still an eligible device large
// enough for the image.
func (m *Machine) handleCheckDevice(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_check_device", "job_id", req.Msg.JobID, "device", req.Msg.DeviceID)

	if err := checkNoRetry(ctx, req, StateCheckDevice); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	dev, err := m.finder.Lookup(ctx, req.Msg.DeviceID)
	if err != nil {
		slog.Error("device_check_failed", "job_id", req.Msg.JobID, "device", req.Msg.DeviceID, "error", err)
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}
	if dev.CapacityBytes < uint64(resp.ImageSize) {
		err := fmt.Errorf("%w: image is %d bytes, %s holds %d", errors.ErrImageTooLarge, resp.ImageSize, dev.ID, dev.CapacityBytes)
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}

	resp.DeviceName = dev.Name
	resp.DeviceCapacity = dev.CapacityBytes

	slog.Info("device_checked", "job_id", req.Msg.JobID, "device", dev.ID, "name", dev.Name, "capacity", dev.SizeHuman())
	return fsm.NewResponse(resp), nil
}

// handleFlash runs the flash job and forwards its progress.
func (m *Machine) handleFlash(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_flash", "job_id", req.Msg.JobID, "device", req.Msg.DeviceID, "verify", req.Msg.Verify)

	if err := checkNoRetry(ctx, req, StateFlash); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if m.isCancelled(req.Msg.JobID) {
		slog.Info("flash_cancelled_before_start", "job_id", req.Msg.JobID)
		resp.State = db.StateCancelled
		return fsm.NewResponse(resp), nil
	}

	h, err := m.openImage(req.Msg.ImagePath)
	if err != nil {
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}
	dev, err := m.finder.Lookup(ctx, req.Msg.DeviceID)
	if err != nil {
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}

	img := flash.Image{Name: h.Name, Size: h.Size, Open: h.Open}
	job, err := m.engine.Start(ctx, img, dev, flash.StartOptions{ID: req.Msg.JobID, Verify: req.Msg.Verify})
	if err != nil {
		slog.Error("flash_start_failed", "job_id", req.Msg.JobID, "error", err)
		return nil, m.fail(ctx, req.Msg.JobID, resp, err)
	}
	if m.isCancelled(req.Msg.JobID) {
		job.Cancel()
	}

	for ev := range job.Events() {
		m.progress(ev)
	}
	res := job.Result()
	_ = m.engine.Forget(job.ID)

	resp.BytesWritten = res.BytesWritten
	resp.BytesVerified = res.BytesVerified
	resp.MismatchOffset = res.MismatchOffset

	switch res.State {
	case flash.PhaseDone:
		resp.State = db.StateDone
	case flash.PhaseCancelled:
		resp.State = db.StateCancelled
	default:
		cause := res.Err
		if cause == nil {
			cause = fmt.Errorf("flash ended in state %s", res.State)
		}
		return nil, m.fail(ctx, req.Msg.JobID, resp, cause)
	}

	return fsm.NewResponse(resp), nil
}

// handleComplete records the final outcome.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[FlashRequest, FlashResponse]) (*fsm.Response[FlashResponse], error) {
	slog.Info("fsm_state_complete", "job_id", req.Msg.JobID)

	if err := checkNoRetry(ctx, req, StateComplete); err != nil {
		return nil, err
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.record(ctx, req.Msg.JobID, resp); err != nil {
		return nil, fsm.Abort(err)
	}

	slog.Info("fsm_complete", "job_id", req.Msg.JobID, "state", resp.State, "bytes_written", resp.BytesWritten)
	return fsm.NewResponse(resp), nil
}

// fail marks the session as failed in the ledger and aborts the FSM.
func (m *Machine) fail(ctx context.Context, jobID string, resp *FlashResponse, cause error) error {
	resp.State = db.StateError
	resp.ErrorMessage = cause.Error()

	if err := m.record(ctx, jobID, resp); err != nil {
		slog.Error("job_failure_not_recorded", "job_id", jobID, "error", err)
	}
	return fsm.Abort(cause)
}

// record writes resp onto the ledger row of jobID.
func (m *Machine) record(ctx context.Context, jobID string, resp *FlashResponse) error {
	job, err := m.repo.Get(ctx, jobID)
	if err != nil {
		return errors.Wrap(err, "failed to load job record")
	}
	if job == nil {
		return fmt.Errorf("%w: %s", errors.ErrJobNotFound, jobID)
	}

	job.ImageFormat = resp.ImageFormat
	job.ImageMember = resp.ImageMember
	job.ImageSize = resp.ImageSize
	job.ImageDigest = resp.Digest
	job.DeviceName = resp.DeviceName
	job.DeviceCapacity = int64(resp.DeviceCapacity)
	job.State = resp.State
	job.BytesWritten = resp.BytesWritten
	job.BytesVerified = resp.BytesVerified
	job.MismatchOffset = resp.MismatchOffset
	job.ErrorMessage = resp.ErrorMessage

	if err := m.repo.Finish(ctx, job); err != nil {
		return errors.Wrap(err, "failed to record job outcome")
	}
	return nil
}
