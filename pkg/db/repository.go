package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/corekit/coreflash/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository persists flash jobs.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	host  string
	pid   int
	alive func(pid int) bool
}

// NewRepository opens (and if needed creates) the ledger at dbPath.
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Debug("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	host, err := os.Hostname()
	if err != nil {
		slog.Warn("database_hostname_unknown", "error", err)
	}
	return &Repository{db: db, now: time.Now, host: host, pid: os.Getpid(), alive: processAlive}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job. StartedAt defaults to now and State to running.
func (r *Repository) Create(ctx context.Context, job *Job) error {
	if job.StartedAt.IsZero() {
		job.StartedAt = r.now()
	}
	if job.State == "" {
		job.State = StateRunning
	}
	if job.Kind == "" {
		job.Kind = KindFlash
	}
	if job.OwnerPID == 0 {
		job.OwnerHost, job.OwnerPID = r.host, r.pid
	}
	slog.Info("database_create_job", "job_id", job.ID, "device_id", job.DeviceID, "image_path", job.ImagePath)

	query := `
		INSERT INTO flash_jobs (
			id, kind, image_path, image_format, image_member, image_size, image_digest, hash_algorithm,
			device_id, device_name, device_capacity, verify, state,
			bytes_written, bytes_verified, mismatch_offset, error_message, started_at, finished_at,
			owner_host, owner_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Kind, job.ImagePath, job.ImageFormat, nullString(job.ImageMember), job.ImageSize,
		nullString(job.ImageDigest), nullString(job.HashAlgorithm),
		job.DeviceID, nullString(job.DeviceName), job.DeviceCapacity, job.Verify, job.State,
		job.BytesWritten, job.BytesVerified, nullOffset(job.MismatchOffset), nullString(job.ErrorMessage),
		formatTime(job.StartedAt), nullTime(job.FinishedAt),
		job.OwnerHost, job.OwnerPID)
	if err != nil {
		slog.Error("database_insert_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to insert job")
	}

	slog.Debug("database_job_created", "job_id", job.ID)
	return nil
}

// Update writes every mutable field of job back to the ledger.
func (r *Repository) Update(ctx context.Context, job *Job) error {
	slog.Info("database_update_job", "job_id", job.ID, "state", job.State)

	query := `
		UPDATE flash_jobs
		SET image_format = ?, image_member = ?, image_size = ?, image_digest = ?, hash_algorithm = ?,
		    device_name = ?, device_capacity = ?, state = ?, bytes_written = ?, bytes_verified = ?,
		    mismatch_offset = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		job.ImageFormat, nullString(job.ImageMember), job.ImageSize, nullString(job.ImageDigest), nullString(job.HashAlgorithm),
		nullString(job.DeviceName), job.DeviceCapacity, job.State, job.BytesWritten, job.BytesVerified,
		nullOffset(job.MismatchOffset), nullString(job.ErrorMessage), nullTime(job.FinishedAt),
		job.ID)
	if err != nil {
		slog.Error("database_update_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "job_id", job.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_job_not_found_for_update", "job_id", job.ID)
		return fmt.Errorf("%w: %s", errors.ErrJobNotFound, job.ID)
	}
	return nil
}

// Finish records the terminal state of a job and stamps finished_at.
func (r *Repository) Finish(ctx context.Context, job *Job) error {
	if job.FinishedAt.IsZero() {
		job.FinishedAt = r.now()
	}
	return r.Update(ctx, job)
}

// Get retrieves a job by ID. It returns nil, nil when the job does not exist.
func (r *Repository) Get(ctx context.Context, id string) (*Job, error) {
	query := selectJobs + ` WHERE id = ?`
	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		slog.Debug("database_job_not_found", "job_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "job_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query job")
	}
	return job, nil
}

// List returns the most recent jobs first. limit <= 0 returns every job.
func (r *Repository) List(ctx context.Context, limit int) ([]*Job, error) {
	query := selectJobs + ` ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Debug("database_list_complete", "job_count", len(jobs))
	return jobs, nil
}

// Prune deletes finished jobs that ended before cutoff and returns how many
// rows were removed. Running jobs are never pruned.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM flash_jobs WHERE state != ? AND finished_at IS NOT NULL AND finished_at < ?`
	result, err := r.db.ExecContext(ctx, query, StateRunning, formatTime(cutoff))
	if err != nil {
		slog.Error("database_prune_failed", "cutoff", cutoff, "error", err)
		return 0, errors.Wrap(err, "failed to prune jobs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	slog.Info("database_jobs_pruned", "cutoff", cutoff, "count", n)
	return n, nil
}

// MarkInterrupted moves running jobs whose owning process has exited to
// error. Jobs owned by a live process, or by another host, are left alone.
func (r *Repository) MarkInterrupted(ctx context.Context) (int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_host, owner_pid FROM flash_jobs WHERE state = ?`, StateRunning)
	if err != nil {
		slog.Error("database_mark_interrupted_failed", "error", err)
		return 0, errors.Wrap(err, "failed to query running jobs")
	}

	var stale []string
	for rows.Next() {
		var id, host string
		var pid int
		if err := rows.Scan(&id, &host, &pid); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan running job")
		}
		if r.orphaned(host, pid) {
			stale = append(stale, id)
		} else {
			slog.Debug("database_job_still_owned", "job_id", id, "owner_host", host, "owner_pid", pid)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "failed to iterate running jobs")
	}
	rows.Close()

	var n int64
	query := `UPDATE flash_jobs SET state = ?, error_message = ?, finished_at = ? WHERE id = ? AND state = ?`
	for _, id := range stale {
		result, err := r.db.ExecContext(ctx, query, StateError, "interrupted", formatTime(r.now()), id, StateRunning)
		if err != nil {
			slog.Error("database_mark_interrupted_failed", "job_id", id, "error", err)
			return n, errors.Wrap(err, "failed to mark interrupted job")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return n, errors.Wrap(err, "failed to get rows affected")
		}
		n += affected
	}
	if n > 0 {
		slog.Warn("database_jobs_interrupted", "count", n)
	}
	return n, nil
}

// orphaned reports whether a running job's owner is known to be gone. Rows
// without an owner predate owner tracking and count as orphaned.
func (r *Repository) orphaned(host string, pid int) bool {
	if host == "" && pid == 0 {
		return true
	}
	if host != r.host {
		return false
	}
	return !r.alive(pid)
}

const selectJobs = `
	SELECT id, kind, image_path, image_format, image_member, image_size, image_digest, hash_algorithm,
	       device_id, device_name, device_capacity, verify, state,
	       bytes_written, bytes_verified, mismatch_offset, error_message, started_at, finished_at,
	       owner_host, owner_pid
	FROM flash_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var member, digest, algo, deviceName, errorMessage, finishedAt sql.NullString
	var mismatch sql.NullInt64
	var startedAt string

	err := row.Scan(
		&job.ID, &job.Kind, &job.ImagePath, &job.ImageFormat, &member, &job.ImageSize, &digest, &algo,
		&job.DeviceID, &deviceName, &job.DeviceCapacity, &job.Verify, &job.State,
		&job.BytesWritten, &job.BytesVerified, &mismatch, &errorMessage, &startedAt, &finishedAt,
		&job.OwnerHost, &job.OwnerPID)
	if err != nil {
		return nil, err
	}

	job.ImageMember = member.String
	job.ImageDigest = digest.String
	job.HashAlgorithm = algo.String
	job.DeviceName = deviceName.String
	job.ErrorMessage = errorMessage.String
	job.MismatchOffset = -1
	if mismatch.Valid {
		job.MismatchOffset = mismatch.Int64
	}

	if job.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, errors.Wrap(err, "invalid started_at")
	}
	if finishedAt.Valid {
		if job.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return nil, errors.Wrap(err, "invalid finished_at")
		}
	}
	return &job, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullOffset(off int64) sql.NullInt64 {
	return sql.NullInt64{Int64: off, Valid: off >= 0}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}
