package temporal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	runsync "github.com/airweave/airweave-go/runtime/sync"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

const (
	// heartbeatInterval is how often the sync activity reports liveness.
	heartbeatInterval = 10 * time.Second
	// syncTimeout bounds one sync run end to end.
	syncTimeout = 12 * time.Hour
)

type (
	// SyncWorkflowInput starts one sync run.
	SyncWorkflowInput struct {
		SyncID uuid.UUID               `json:"sync_id"`
		Config runsync.ExecutionConfig `json:"config"`
		// Scheduled marks runs triggered by a schedule; when the sync already
		// has an active job these skip silently instead of failing.
		Scheduled bool `json:"scheduled"`
	}

	// SyncWorkflowResult reports the terminal job state.
	SyncWorkflowResult struct {
		JobID    uuid.UUID `json:"job_id"`
		Status   string    `json:"status"`
		Inserted int       `json:"inserted"`
		Updated  int       `json:"updated"`
		Deleted  int       `json:"deleted"`
		Skipped  int       `json:"skipped"`
		Failed   int       `json:"failed"`
		// Skipped runs (scheduled overlap) return a zero JobID.
	}

	// Activities carries the orchestrator into activity executions.
	Activities struct {
		orch *runsync.Orchestrator
		log  telemetry.Logger
	}
)

// SyncWorkflow executes one sync run as a single activity. The retry policy
// is one attempt: a sync that fails mid-stream must not silently replay, the
// next run classifies entities against the stored hashes instead.
func SyncWorkflow(ctx workflow.Context, in SyncWorkflowInput) (*SyncWorkflowResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: syncTimeout,
		HeartbeatTimeout:    3 * heartbeatInterval,
		WaitForCancellation: true,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var result SyncWorkflowResult
	var acts *Activities
	if err := workflow.ExecuteActivity(ctx, acts.RunSync, in).Get(ctx, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunSync drives the orchestrator, heartbeating while the run streams.
// Temporal cancellation cancels the activity context, which the orchestrator
// turns into a cooperative drain.
func (a *Activities) RunSync(ctx context.Context, in SyncWorkflowInput) (*SyncWorkflowResult, error) {
	stop := startHeartbeat(ctx, heartbeatInterval)
	defer stop()

	job, err := a.orch.Run(ctx, in.SyncID, in.Config)
	switch {
	case errors.Is(err, runsync.ErrJobAlreadyRunning) && in.Scheduled:
		// Overlapping scheduled run; the active job covers this window.
		a.log.Info(ctx, "scheduled run skipped, job already active", "sync_id", in.SyncID)
		return &SyncWorkflowResult{Status: "skipped"}, nil
	case errors.Is(err, context.Canceled):
		// Cancellation is a terminal state, not a failure.
		return resultOf(job), nil
	case err != nil:
		return nil, err
	}
	return resultOf(job), nil
}

func resultOf(job *runsync.SyncJob) *SyncWorkflowResult {
	if job == nil {
		return &SyncWorkflowResult{}
	}
	return &SyncWorkflowResult{
		JobID:    job.ID,
		Status:   string(job.Status),
		Inserted: job.Inserted,
		Updated:  job.Updated,
		Deleted:  job.Deleted,
		Skipped:  job.Skipped,
		Failed:   job.Failed,
	}
}

// startHeartbeat records activity heartbeats until the returned stop func is
// called or the context ends.
func startHeartbeat(ctx context.Context, interval time.Duration) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(hbCtx)
			}
		}
	}()
	return cancel
}
