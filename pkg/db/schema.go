package db

import "time"

// Schema defines the SQLite schema for the flash history ledger.
// Timestamps are stored as fixed-width UTC text so that they sort and
// compare lexicographically.
const Schema = `
CREATE TABLE IF NOT EXISTS flash_jobs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL CHECK(kind IN ('flash', 'verify')),
    image_path TEXT NOT NULL,
    image_format TEXT NOT NULL,
    image_member TEXT,
    image_size INTEGER NOT NULL,
    image_digest TEXT,
    hash_algorithm TEXT,
    device_id TEXT NOT NULL,
    device_name TEXT,
    device_capacity INTEGER NOT NULL,
    verify INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL CHECK(state IN ('running', 'done', 'error', 'cancelled')),
    bytes_written INTEGER NOT NULL DEFAULT 0,
    bytes_verified INTEGER NOT NULL DEFAULT 0,
    mismatch_offset INTEGER,
    error_message TEXT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    owner_host TEXT NOT NULL DEFAULT '',
    owner_pid INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_flash_jobs_device_id ON flash_jobs(device_id);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_state ON flash_jobs(state);
CREATE INDEX IF NOT EXISTS idx_flash_jobs_started_at ON flash_jobs(started_at);
`

// Job states
const (
	StateRunning   = "running"
	StateDone      = "done"
	StateError     = "error"
	StateCancelled = "cancelled"
)

// Job kinds
const (
	KindFlash  = "flash"
	KindVerify = "verify"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Job is one flash or verify session.
type Job struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	ImagePath      string `json:"image_path"`
	ImageFormat    string `json:"image_format"`
	ImageMember    string `json:"image_member"`
	ImageSize      int64  `json:"image_size"`
	ImageDigest    string `json:"image_digest"`
	HashAlgorithm  string `json:"hash_algorithm"`
	DeviceID       string `json:"device_id"`
	DeviceName     string `json:"device_name"`
	DeviceCapacity int64  `json:"device_capacity"`
	Verify         bool   `json:"verify"`
	State          string `json:"state"`
	BytesWritten   int64  `json:"bytes_written"`
	BytesVerified  int64  `json:"bytes_verified"`
	// MismatchOffset is -1 when verification found no difference.
	MismatchOffset int64     `json:"mismatch_offset"`
	ErrorMessage   string    `json:"error_message"`
	StartedAt      time.Time `json:"started_at"`
	// FinishedAt is zero while the job is running.
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// OwnerHost and OwnerPID identify the process running the job.
	OwnerHost string `json:"owner_host"`
	OwnerPID  int    `json:"owner_pid"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
