package temporal

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"

	runsync "github.com/airweave/airweave-go/runtime/sync"
)

// Workflow and schedule ids are derived from the sync id so cancel and
// cleanup need no extra bookkeeping.
func workflowID(syncID uuid.UUID) string { return "sync-run-" + syncID.String() }
func scheduleID(syncID uuid.UUID) string { return "sync-schedule-" + syncID.String() }

// StartSync launches a sync workflow. The workflow id is derived from the
// sync id, so a duplicate start while one run is open is rejected by Temporal
// before the job store is even consulted.
func (e *Engine) StartSync(ctx context.Context, syncID uuid.UUID, cfg runsync.ExecutionConfig) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:                    workflowID(syncID),
		TaskQueue:             e.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		RetryPolicy:           &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, SyncWorkflow, SyncWorkflowInput{SyncID: syncID, Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("start sync %s: %w", syncID, err)
	}
	e.log.Info(ctx, "sync workflow started", "sync_id", syncID, "workflow_id", run.GetID(), "run_id", run.GetRunID())
	return run, nil
}

// CancelSync requests cooperative cancellation of the sync's running
// workflow.
func (e *Engine) CancelSync(ctx context.Context, syncID uuid.UUID) error {
	if err := e.client.CancelWorkflow(ctx, workflowID(syncID), ""); err != nil {
		return fmt.Errorf("cancel sync %s: %w", syncID, err)
	}
	return nil
}

// EnsureSchedule creates or replaces the recurring schedule for a sync.
// Scheduled runs carry the Scheduled flag so an overlap with a manual run
// skips instead of failing.
func (e *Engine) EnsureSchedule(ctx context.Context, syncID uuid.UUID, cron string, cfg runsync.ExecutionConfig) error {
	if cron == "" {
		return fmt.Errorf("schedule sync %s: cron expression is required", syncID)
	}
	// Replace semantics: drop any previous schedule before creating.
	if err := e.CleanupSchedules(ctx, syncID); err != nil {
		return err
	}

	_, err := e.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: scheduleID(syncID),
		Spec: client.ScheduleSpec{
			CronExpressions: []string{cron},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:          workflowID(syncID),
			Workflow:    SyncWorkflow,
			Args:        []any{SyncWorkflowInput{SyncID: syncID, Config: cfg, Scheduled: true}},
			TaskQueue:   e.taskQueue,
			RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
		},
		// An overlapping scheduled run is dropped; the running job covers the
		// window.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
	})
	if err != nil {
		return fmt.Errorf("schedule sync %s: %w", syncID, err)
	}
	e.log.Info(ctx, "sync schedule ensured", "sync_id", syncID, "cron", cron)
	return nil
}

// CleanupSchedules deletes the sync's schedule. Used on self-destruct when
// the source connection is gone. A missing schedule is not an error.
func (e *Engine) CleanupSchedules(ctx context.Context, syncID uuid.UUID) error {
	handle := e.client.ScheduleClient().GetHandle(ctx, scheduleID(syncID))
	err := handle.Delete(ctx)
	switch {
	case err == nil:
		e.log.Info(ctx, "sync schedule deleted", "sync_id", syncID)
		return nil
	case isNotFound(err):
		return nil
	default:
		return fmt.Errorf("cleanup schedule for sync %s: %w", syncID, err)
	}
}

func isNotFound(err error) bool {
	if _, ok := err.(*serviceerror.NotFound); ok {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "not found")
}
