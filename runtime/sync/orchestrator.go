package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/source"
	"github.com/airweave/airweave-go/runtime/source/stream"
	"github.com/airweave/airweave-go/runtime/sync/cursor"
	"github.com/airweave/airweave-go/runtime/sync/pipeline"
	"github.com/airweave/airweave-go/runtime/sync/pool"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

const (
	// DefaultDrainGrace bounds how long cancellation waits for in-flight
	// workers before the job is marked Cancelled anyway.
	DefaultDrainGrace = 15 * time.Second
	// DefaultFlushInterval is the progress persistence cadence.
	DefaultFlushInterval = 10 * time.Second
	// DefaultCursorMaxAgeDays expires change tokens that providers
	// invalidate after roughly two months.
	DefaultCursorMaxAgeDays = 55
	// DefaultPeriodicFullSyncDays forces an occasional full walk so orphan
	// cleanup sees the whole universe.
	DefaultPeriodicFullSyncDays = 30
)

type (
	// HandlerFactory builds the destination handler for one slot.
	HandlerFactory func(ctx context.Context, s *Sync, slot destination.Slot) (destination.Handler, error)

	// PipelineFactory builds the entity pipeline over the run's handlers.
	PipelineFactory func(handlers []destination.Handler) (*pipeline.Pipeline, error)

	// ReplayFactory builds a read-only source that replays a captured
	// snapshot. Used when ExecutionConfig.ReplayTargetDestinationID is set.
	ReplayFactory func(ctx context.Context, syncID uuid.UUID) (source.Source, error)

	// ExecutionConfig tunes one run.
	ExecutionConfig struct {
		// Strategy selects destination slots; empty defaults to active_only.
		Strategy destination.Strategy
		// MaxWorkers overrides the pool default for this run.
		MaxWorkers int
		// SkipCursorLoad starts from an empty cursor without touching the
		// stored row.
		SkipCursorLoad bool
		// SkipCursorUpdates leaves the stored cursor untouched at the end of
		// the run.
		SkipCursorUpdates bool
		// ForceFullSync disables incremental behavior.
		ForceFullSync bool
		// ReplayTargetDestinationID replays the captured snapshot into just
		// this destination instead of streaming from the live source.
		ReplayTargetDestinationID uuid.UUID
	}

	// Options wires an Orchestrator.
	Options struct {
		Sources   *source.Registry
		Syncs     SyncStore
		Jobs      JobStore
		Cursors   *cursor.Service
		Slots     *destination.Registry
		Hashes    pipeline.HashStore
		Handlers  HandlerFactory
		Pipeline  PipelineFactory
		Replay    ReplayFactory
		Schedules ScheduleCleaner

		StreamCapacity       int
		DrainGrace           time.Duration
		FlushInterval        time.Duration
		CursorMaxAgeDays     int
		PeriodicFullSyncDays int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Orchestrator runs sync jobs.
	Orchestrator struct {
		opts Options
	}
)

// NewOrchestrator validates the wiring and returns an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Sources == nil:
		return nil, fmt.Errorf("orchestrator: source registry is required")
	case opts.Syncs == nil:
		return nil, fmt.Errorf("orchestrator: sync store is required")
	case opts.Jobs == nil:
		return nil, fmt.Errorf("orchestrator: job store is required")
	case opts.Cursors == nil:
		return nil, fmt.Errorf("orchestrator: cursor service is required")
	case opts.Slots == nil:
		return nil, fmt.Errorf("orchestrator: slot registry is required")
	case opts.Hashes == nil:
		return nil, fmt.Errorf("orchestrator: hash store is required")
	case opts.Handlers == nil:
		return nil, fmt.Errorf("orchestrator: handler factory is required")
	case opts.Pipeline == nil:
		return nil, fmt.Errorf("orchestrator: pipeline factory is required")
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.CursorMaxAgeDays == 0 {
		opts.CursorMaxAgeDays = DefaultCursorMaxAgeDays
	}
	if opts.PeriodicFullSyncDays == 0 {
		opts.PeriodicFullSyncDays = DefaultPeriodicFullSyncDays
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NopMetrics{}
	}
	return &Orchestrator{opts: opts}, nil
}

// Run executes one sync job to a terminal state. It returns the job record
// with final counters. ErrJobAlreadyRunning surfaces unchanged so callers can
// fail fast or skip scheduled runs.
func (o *Orchestrator) Run(ctx context.Context, syncID uuid.UUID, cfg ExecutionConfig) (*SyncJob, error) {
	s, err := o.opts.Syncs.GetSync(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("load sync %s: %w", syncID, err)
	}

	job := &SyncJob{ID: uuid.New(), SyncID: syncID, Status: JobPending, CreatedAt: time.Now().UTC()}
	if err := o.opts.Jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	conn, err := o.opts.Syncs.GetSourceConnection(ctx, s.SourceConnectionID)
	if errors.Is(err, ErrSourceConnectionGone) {
		return job, o.selfDestruct(ctx, s, job)
	}
	if err != nil {
		o.failJob(ctx, job, conn, err)
		return job, err
	}

	if err := o.opts.Jobs.UpdateJobStatus(ctx, job.ID, JobRunning, ""); err != nil {
		return job, err
	}
	job.Status = JobRunning
	_ = o.opts.Syncs.SetConnectionStatus(ctx, conn.ID, ConnSyncing)

	progress := NewProgress()
	start := time.Now()
	runErr := o.execute(ctx, s, conn, job, cfg, progress)
	o.opts.Metrics.RecordTimer("sync.job_duration", time.Since(start), "sync_id", syncID.String())

	// Terminal bookkeeping must survive a cancelled run context.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_ = o.opts.Jobs.UpdateJobProgress(endCtx, job.ID, progress.Stats())
	applyStats(job, progress.Stats())

	switch {
	case runErr == nil:
		_ = o.opts.Jobs.UpdateJobStatus(endCtx, job.ID, JobCompleted, "")
		_ = o.opts.Syncs.SetConnectionStatus(endCtx, conn.ID, ConnActive)
		job.Status = JobCompleted
		o.opts.Logger.Info(endCtx, "sync job completed", "sync_id", syncID, "job_id", job.ID,
			"inserted", job.Inserted, "updated", job.Updated, "deleted", job.Deleted,
			"skipped", job.Skipped, "failed", job.Failed)
		return job, nil

	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		_ = o.opts.Jobs.UpdateJobStatus(endCtx, job.ID, JobCancelled, "cancelled by request")
		_ = o.opts.Syncs.SetConnectionStatus(endCtx, conn.ID, ConnActive)
		job.Status = JobCancelled
		o.opts.Logger.Info(endCtx, "sync job cancelled", "sync_id", syncID, "job_id", job.ID)
		return job, runErr

	default:
		// A connection deleted mid-run is the self-destruct path, not a
		// failure.
		if _, cerr := o.opts.Syncs.GetSourceConnection(endCtx, s.SourceConnectionID); errors.Is(cerr, ErrSourceConnectionGone) {
			return job, o.selfDestruct(endCtx, s, job)
		}
		o.failJob(endCtx, job, conn, runErr)
		return job, runErr
	}
}

// execute runs the streaming phase and finalization. It returns nil only when
// the run completed and was finalized.
func (o *Orchestrator) execute(ctx context.Context, s *Sync, conn *SourceConnection, job *SyncJob, cfg ExecutionConfig, progress *Progress) error {
	force := cfg.ForceFullSync
	cur, err := o.opts.Cursors.Load(ctx, s.ID, cursor.LoadOptions{SkipLoad: cfg.SkipCursorLoad, ForceFullSync: force})
	if err != nil {
		return err
	}
	// Staleness rules only apply to syncs that actually have a stored cursor;
	// a source without one walks its full universe every run anyway.
	if !force && !cur.UpdatedAt.IsZero() &&
		(cur.IsExpired(o.opts.CursorMaxAgeDays) || cur.NeedsPeriodicFullSync(o.opts.PeriodicFullSyncDays)) {
		o.opts.Logger.Info(ctx, "cursor stale, forcing full sync", "sync_id", s.ID, "updated_at", cur.UpdatedAt)
		force = true
		cur = &cursor.Cursor{SyncID: s.ID, Data: cursor.Data{}}
	}
	priorFullSync := cur.LastFullSyncAt
	// A run without prior cursor data walks the full universe even when not
	// explicitly forced; it counts as a full sync for the periodic rule.
	fullRun := force || len(cur.Data) == 0

	src, err := o.buildSource(ctx, s, conn, cur, cfg, force)
	if err != nil {
		return err
	}

	handlers, err := o.buildHandlers(ctx, s, cfg)
	if err != nil {
		return err
	}
	pipe, err := o.opts.Pipeline(handlers)
	if err != nil {
		return err
	}

	flushCtx, stopFlush := context.WithCancel(ctx)
	defer stopFlush()
	go flushLoop(flushCtx, o.opts.Jobs, job.ID, progress, o.opts.FlushInterval)

	scope := pipeline.Scope{
		SyncID:             s.ID,
		SourceConnectionID: conn.ID,
		JobID:              job.ID,
		SourceName:         conn.ShortName,
		ForceFullSync:      force,
	}

	st := stream.Run(ctx, src, o.opts.StreamCapacity)
	defer st.Close()
	workers := pool.New(cfg.MaxWorkers)

	for e := range st.Entities() {
		if ctx.Err() != nil {
			break
		}
		if f, ok := e.(*entity.File); ok && f.ShouldSkip {
			progress.AddSkipped()
			continue
		}
		e := e
		if err := workers.Submit(ctx, func(ctx context.Context) error {
			return pipe.Process(ctx, e, scope, progress)
		}); err != nil {
			break
		}
	}

	if ctx.Err() != nil {
		return o.cancelDrain(ctx, s, conn, job, src, cfg, workers, priorFullSync)
	}

	if err := workers.Wait(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := st.Err(); err != nil {
		return fmt.Errorf("source %s: %w", conn.ShortName, err)
	}

	return o.finalize(ctx, s, conn, job, src, cfg, handlers, progress, fullRun, priorFullSync)
}

// cancelDrain implements cooperative cancellation: mark Cancelling, give
// in-flight workers a bounded grace period, persist the cursor per policy, and
// surface the cancellation.
func (o *Orchestrator) cancelDrain(ctx context.Context, s *Sync, conn *SourceConnection, job *SyncJob, src source.Source, cfg ExecutionConfig, workers *pool.Pool, priorFullSync time.Time) error {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.DrainGrace+10*time.Second)
	defer cancel()
	_ = o.opts.Jobs.UpdateJobStatus(bg, job.ID, JobCancelling, "")
	job.Status = JobCancelling
	if !workers.WaitForBatch(o.opts.DrainGrace) {
		o.opts.Logger.Warn(bg, "drain grace elapsed with workers in flight", "job_id", job.ID, "pending", workers.Pending())
	}
	o.persistCursor(bg, s, conn, src, cfg, false, priorFullSync)
	return ctx.Err()
}

// finalize runs the orphan-cleanup pass, persists the cursor, and lets every
// handler finish its artifacts.
func (o *Orchestrator) finalize(ctx context.Context, s *Sync, conn *SourceConnection, job *SyncJob, src source.Source, cfg ExecutionConfig, handlers []destination.Handler, progress *Progress, fullSync bool, priorFullSync time.Time) error {
	// Orphan detection requires the full universe. An incremental run only
	// sees changed records, so "not seen this job" does not mean deleted.
	// Replay backfills feed one destination from a point-in-time snapshot
	// and must not reconcile the live hash state either.
	orphans, err := o.listOrphans(ctx, s, conn, job, fullSync && cfg.ReplayTargetDestinationID == uuid.Nil)
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		for _, h := range handlers {
			h := h
			if err := errs.Retry(ctx, errs.DefaultHandlerRetry, func(ctx context.Context) error {
				return h.DeleteEntities(ctx, s.ID, orphans)
			}); err != nil {
				return fmt.Errorf("orphan cleanup via %s: %w", h.Name(), err)
			}
		}
		if err := o.opts.Hashes.DeleteEntities(ctx, s.ID, conn.ID, orphans); err != nil {
			return fmt.Errorf("drop orphan hashes: %w", err)
		}
		progress.AddDeleted(len(orphans))
		o.opts.Logger.Info(ctx, "orphans cleaned", "sync_id", s.ID, "job_id", job.ID, "count", len(orphans))
	}

	o.persistCursor(ctx, s, conn, src, cfg, fullSync, priorFullSync)

	stats := progress.Stats()
	js := destination.JobStats{
		SyncID:          s.ID,
		JobID:           job.ID,
		SourceShortName: conn.ShortName,
		Inserted:        stats.Inserted,
		Updated:         stats.Updated,
		Deleted:         stats.Deleted,
		Skipped:         stats.Skipped,
		Failed:          stats.Failed,
	}
	for _, h := range handlers {
		if err := h.Finalize(ctx, js); err != nil {
			return fmt.Errorf("finalize %s: %w", h.Name(), err)
		}
	}
	return nil
}

func (o *Orchestrator) listOrphans(ctx context.Context, s *Sync, conn *SourceConnection, job *SyncJob, fullSync bool) ([]string, error) {
	if !fullSync {
		return nil, nil
	}
	orphans, err := o.opts.Hashes.ListOrphans(ctx, s.ID, conn.ID, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	return orphans, nil
}

// persistCursor stores the cursor the source published, honoring the
// skip_cursor_updates gate. Best-effort on the cancellation path.
func (o *Orchestrator) persistCursor(ctx context.Context, s *Sync, conn *SourceConnection, src source.Source, cfg ExecutionConfig, fullSync bool, priorFullSync time.Time) {
	if cfg.SkipCursorUpdates {
		return
	}
	pub, ok := src.(source.CursorPublisher)
	if !ok {
		return
	}
	data := pub.CursorData()
	if len(data) == 0 {
		return
	}
	field := conn.CursorField
	if field == "" {
		field = pub.CursorField()
	}
	c := &cursor.Cursor{SyncID: s.ID, Field: field, Data: data, LastFullSyncAt: priorFullSync}
	if fullSync {
		c.LastFullSyncAt = time.Now().UTC()
	}
	if err := o.opts.Cursors.CreateOrUpdate(ctx, c); err != nil {
		o.opts.Logger.Error(ctx, "cursor persist failed", "sync_id", s.ID, "err", err.Error())
	}
}

// buildSource constructs the live source or the snapshot replay source.
func (o *Orchestrator) buildSource(ctx context.Context, s *Sync, conn *SourceConnection, cur *cursor.Cursor, cfg ExecutionConfig, force bool) (source.Source, error) {
	if cfg.ReplayTargetDestinationID != uuid.Nil {
		if o.opts.Replay == nil {
			return nil, errs.Expected(errs.KindValidation, "replay requested but no snapshot replay is configured")
		}
		return o.opts.Replay(ctx, s.ID)
	}
	src, err := o.opts.Sources.New(conn.ShortName, source.Config{
		AccessToken:   conn.AccessToken,
		Credentials:   conn.Credentials,
		Settings:      conn.Settings,
		Cursor:        cur.Data,
		CursorField:   conn.CursorField,
		ForceFullSync: force,
	})
	if err != nil {
		return nil, fmt.Errorf("build source %s: %w", conn.ShortName, err)
	}
	// Federated search and produce are mutually exclusive; a source that
	// advertises both is misconfigured, not syncable.
	if src.Capabilities().FederatedSearch {
		return nil, errs.Expected(errs.KindValidation,
			fmt.Sprintf("source %s is federated-search only and cannot be synced", conn.ShortName))
	}
	return src, nil
}

// buildHandlers resolves the slots the strategy selects and constructs their
// handlers. Replay runs target exactly one destination regardless of role.
func (o *Orchestrator) buildHandlers(ctx context.Context, s *Sync, cfg ExecutionConfig) ([]destination.Handler, error) {
	slots, err := o.opts.Slots.Slots(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	var selected []destination.Slot
	for _, slot := range slots {
		if cfg.ReplayTargetDestinationID != uuid.Nil {
			if slot.ConnectionID == cfg.ReplayTargetDestinationID && !slot.Source {
				selected = append(selected, slot)
			}
			continue
		}
		if cfg.Strategy.Matches(slot) {
			selected = append(selected, slot)
		}
	}
	if cfg.ReplayTargetDestinationID != uuid.Nil && len(selected) == 0 {
		return nil, errs.Expected(errs.KindNotFound,
			fmt.Sprintf("replay target %s has no destination slot", cfg.ReplayTargetDestinationID))
	}
	handlers := make([]destination.Handler, 0, len(selected))
	for _, slot := range selected {
		h, err := o.opts.Handlers(ctx, s, slot)
		if err != nil {
			return nil, fmt.Errorf("build handler for %s: %w", slot.ConnectionID, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// selfDestruct cleans up schedules for a sync whose source connection was
// deleted and exits without a job status update.
func (o *Orchestrator) selfDestruct(ctx context.Context, s *Sync, job *SyncJob) error {
	o.opts.Logger.Info(ctx, "source connection deleted, self-destructing", "sync_id", s.ID, "job_id", job.ID)
	if o.opts.Schedules != nil {
		if err := o.opts.Schedules.CleanupSchedules(ctx, s.ID); err != nil {
			o.opts.Logger.Error(ctx, "schedule cleanup failed", "sync_id", s.ID, "err", err.Error())
		}
	}
	return nil
}

func (o *Orchestrator) failJob(ctx context.Context, job *SyncJob, conn *SourceConnection, err error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_ = o.opts.Jobs.UpdateJobStatus(bg, job.ID, JobFailed, err.Error())
	job.Status = JobFailed
	job.Error = err.Error()
	if conn != nil {
		_ = o.opts.Syncs.SetConnectionStatus(bg, conn.ID, ConnError)
	}
	o.opts.Logger.Error(bg, "sync job failed", "sync_id", job.SyncID, "job_id", job.ID,
		"severity", errs.SeverityOf(err).String(), "err", err.Error())
}

func applyStats(job *SyncJob, s Stats) {
	job.Inserted = s.Inserted
	job.Updated = s.Updated
	job.Deleted = s.Deleted
	job.Skipped = s.Skipped
	job.Failed = s.Failed
}
