package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	runsync "github.com/airweave/airweave-go/runtime/sync"
)

const (
	sqlCreateJob = `INSERT INTO sync_jobs
		(id, sync_id, status, error, created_at, started_at, ended_at, last_progress_at,
		 inserted, updated, deleted, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetJob = `SELECT id, sync_id, status, error, created_at, started_at, ended_at,
		 last_progress_at, inserted, updated, deleted, skipped, failed
		FROM sync_jobs WHERE id = ?`

	sqlListActiveJobs = `SELECT id, sync_id, status, error, created_at, started_at, ended_at,
		 last_progress_at, inserted, updated, deleted, skipped, failed
		FROM sync_jobs WHERE status IN ('pending', 'running', 'cancelling')`

	sqlUpdateJobProgress = `UPDATE sync_jobs SET
		 inserted = ?, updated = ?, deleted = ?, skipped = ?, failed = ?,
		 last_progress_at = ?
		WHERE id = ?`
)

// CreateJob inserts a new job row. The partial unique index on active
// statuses enforces at-most-one-active-job per sync; violations surface as
// ErrJobAlreadyRunning.
func (s *Store) CreateJob(ctx context.Context, job *runsync.SyncJob) error {
	if job.Status == "" {
		job.Status = runsync.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, sqlCreateJob,
		job.ID.String(), job.SyncID.String(), string(job.Status), nullString(job.Error),
		job.CreatedAt.UnixNano(), nullTime(job.StartedAt), nullTime(job.EndedAt),
		nullTime(job.LastProgressAt),
		job.Inserted, job.Updated, job.Deleted, job.Skipped, job.Failed)
	if isUniqueViolation(err) {
		return fmt.Errorf("sync %s: %w", job.SyncID, runsync.ErrJobAlreadyRunning)
	}
	if err != nil {
		return fmt.Errorf("sqlite: creating job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job row.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*runsync.SyncJob, error) {
	row := s.db.QueryRowContext(ctx, sqlGetJob, id.String())
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJobStatus transitions the job and stamps the timestamps the target
// status implies.
func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status runsync.JobStatus, errMsg string) error {
	now := time.Now().UTC().UnixNano()
	var (
		query string
		args  []any
	)
	switch {
	case status == runsync.JobRunning:
		query = `UPDATE sync_jobs SET status = ?, error = ?, started_at = ?, last_progress_at = ? WHERE id = ?`
		args = []any{string(status), nullString(errMsg), now, now, id.String()}
	case status.Terminal():
		query = `UPDATE sync_jobs SET status = ?, error = ?, ended_at = ? WHERE id = ?`
		args = []any{string(status), nullString(errMsg), now, id.String()}
	default:
		query = `UPDATE sync_jobs SET status = ?, error = ? WHERE id = ?`
		args = []any{string(status), nullString(errMsg), id.String()}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: job %s not found", id)
	}
	return nil
}

// UpdateJobProgress overwrites the roll-up counters and bumps
// LastProgressAt.
func (s *Store) UpdateJobProgress(ctx context.Context, id uuid.UUID, stats runsync.Stats) error {
	_, err := s.db.ExecContext(ctx, sqlUpdateJobProgress,
		stats.Inserted, stats.Updated, stats.Deleted, stats.Skipped, stats.Failed,
		time.Now().UTC().UnixNano(), id.String())
	if err != nil {
		return fmt.Errorf("sqlite: updating job %s progress: %w", id, err)
	}
	return nil
}

// ListActiveJobs returns jobs in Pending, Running, or Cancelling.
func (s *Store) ListActiveJobs(ctx context.Context) ([]runsync.SyncJob, error) {
	rows, err := s.db.QueryContext(ctx, sqlListActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing active jobs: %w", err)
	}
	defer rows.Close()

	var out []runsync.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning job row: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating job rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*runsync.SyncJob, error) {
	var (
		job          runsync.SyncJob
		idStr        string
		syncIDStr    string
		status       string
		errMsg       sql.NullString
		createdAt    int64
		startedAt    sql.NullInt64
		endedAt      sql.NullInt64
		lastProgress sql.NullInt64
	)
	err := row.Scan(&idStr, &syncIDStr, &status, &errMsg, &createdAt, &startedAt,
		&endedAt, &lastProgress,
		&job.Inserted, &job.Updated, &job.Deleted, &job.Skipped, &job.Failed)
	if err != nil {
		return nil, err
	}
	job.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", idStr, err)
	}
	job.SyncID, err = uuid.Parse(syncIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse sync id %q: %w", syncIDStr, err)
	}
	job.Status = runsync.JobStatus(status)
	job.Error = errMsg.String
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.StartedAt = timeOf(startedAt)
	job.EndedAt = timeOf(endedAt)
	job.LastProgressAt = timeOf(lastProgress)
	return &job, nil
}
