package flash

import (
	"time"
)

// Phase is the state of a job. The last three are terminal.
type Phase string

const (
	PhasePreparing Phase = "preparing"
	PhaseWriting   Phase = "writing"
	PhaseVerifying Phase = "verifying"
	PhaseDone      Phase = "done"
	PhaseError     Phase = "error"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError || p == PhaseCancelled
}

// ProgressEvent is a snapshot of a job's progress. Values are never mutated
// after they are sent.
type ProgressEvent struct {
	JobID            string    `json:"job_id"`
	Phase            Phase     `json:"phase"`
	BytesDone        int64     `json:"bytes_done"`
	BytesTotal       int64     `json:"bytes_total"`
	Percent          float64   `json:"percent"`
	SpeedBytesPerSec float64   `json:"speed_bytes_per_sec"`
	ETASeconds       int64     `json:"eta_seconds"`
	Message          string    `json:"message,omitempty"`
	Time             time.Time `json:"time"`
}

func percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(done) * 100 / float64(total)
	if p > 100 {
		return 100
	}
	return p
}
