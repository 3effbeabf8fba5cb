// Package sync drives sync jobs end to end: build the run context, stream
// entities from the source through the worker pool into the pipeline, then
// finalize with orphan cleanup, cursor persistence, and job status roll-up.
// Job records enforce at-most-one-running-job-per-sync; a sweeper reaps jobs
// stuck in transitional states.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// ConnectionStatus is a source connection's authentication/run state.
	ConnectionStatus string

	// JobStatus is a sync job's lifecycle state.
	JobStatus string

	// Sync binds a source connection to destination slots under a collection.
	Sync struct {
		ID                 uuid.UUID
		Name               string
		SourceConnectionID uuid.UUID
		CollectionID       uuid.UUID
		CreatedAt          time.Time
	}

	// SourceConnection is a configured integration instance.
	SourceConnection struct {
		ID           uuid.UUID
		ShortName    string
		Status       ConnectionStatus
		CollectionID uuid.UUID
		// Schedule is a cron expression, empty for manual-only connections.
		Schedule string
		// CursorField overrides the source's default cursor field for
		// continuous syncs.
		CursorField string
		AccessToken string
		Credentials map[string]string
		Settings    map[string]any
	}

	// SyncJob is one execution of a sync with its progress roll-up.
	SyncJob struct {
		ID        uuid.UUID
		SyncID    uuid.UUID
		Status    JobStatus
		Error     string
		CreatedAt time.Time
		StartedAt time.Time
		EndedAt   time.Time
		// LastProgressAt is bumped on every persisted progress flush; the
		// sweeper uses it to detect stalled Running jobs.
		LastProgressAt time.Time

		Inserted int
		Updated  int
		Deleted  int
		Skipped  int
		Failed   int
	}

	// Stats is the progress snapshot flushed into a SyncJob.
	Stats struct {
		Inserted int
		Updated  int
		Deleted  int
		Skipped  int
		Failed   int
	}

	// JobStore persists sync jobs. Create enforces the at-most-one-active-job
	// invariant with ErrJobAlreadyRunning.
	JobStore interface {
		CreateJob(ctx context.Context, job *SyncJob) error
		GetJob(ctx context.Context, id uuid.UUID) (*SyncJob, error)
		// UpdateJobStatus transitions the job and stamps the timestamps the
		// target status implies (StartedAt for Running, EndedAt for terminal
		// states).
		UpdateJobStatus(ctx context.Context, id uuid.UUID, status JobStatus, errMsg string) error
		// UpdateJobProgress overwrites the roll-up counters and bumps
		// LastProgressAt.
		UpdateJobProgress(ctx context.Context, id uuid.UUID, stats Stats) error
		// ListActiveJobs returns jobs in Pending, Running, or Cancelling.
		ListActiveJobs(ctx context.Context) ([]SyncJob, error)
	}

	// SyncStore resolves syncs and source connections for a run.
	SyncStore interface {
		GetSync(ctx context.Context, id uuid.UUID) (*Sync, error)
		// GetSourceConnection returns ErrSourceConnectionGone when the
		// connection was deleted, which triggers the self-destruct path.
		GetSourceConnection(ctx context.Context, id uuid.UUID) (*SourceConnection, error)
		SetConnectionStatus(ctx context.Context, id uuid.UUID, status ConnectionStatus) error
	}

	// ScheduleCleaner removes any recurring schedule bound to a deleted
	// source connection. Invoked on self-destruct; a nil cleaner is a no-op.
	ScheduleCleaner interface {
		CleanupSchedules(ctx context.Context, syncID uuid.UUID) error
	}
)

const (
	ConnPending     ConnectionStatus = "pending"
	ConnActive      ConnectionStatus = "active"
	ConnInactive    ConnectionStatus = "inactive"
	ConnSyncing     ConnectionStatus = "syncing"
	ConnError       ConnectionStatus = "error"
	ConnPendingAuth ConnectionStatus = "pending_auth"
)

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// ErrJobAlreadyRunning is returned by JobStore.CreateJob when the sync
// already has a job in an active status.
var ErrJobAlreadyRunning = errors.New("sync already has an active job")

// ErrSourceConnectionGone is returned by SyncStore.GetSourceConnection when
// the connection row was deleted.
var ErrSourceConnectionGone = errors.New("source connection deleted")

// Active reports whether the status counts against the one-job-per-sync
// constraint.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobRunning || s == JobCancelling
}

// Terminal reports whether the status ends the job lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelling || to == JobCancelled
	case JobCancelling:
		return to == JobCancelled || to == JobFailed
	default:
		return false
	}
}
