package sync

import (
	"context"
	"time"

	"github.com/airweave/airweave-go/runtime/telemetry"
)

const (
	// DefaultSweepInterval is how often the sweeper scans active jobs.
	DefaultSweepInterval = time.Minute
	// DefaultStuckTransitional reaps jobs held in Pending or Cancelling.
	DefaultStuckTransitional = 3 * time.Minute
	// DefaultStuckRunning reaps Running jobs with no progress flushes.
	DefaultStuckRunning = 10 * time.Minute
)

// Sweeper reaps jobs abandoned by crashed or wedged runners so the
// at-most-one-job constraint does not deadlock a sync forever.
type Sweeper struct {
	jobs     JobStore
	log      telemetry.Logger
	interval time.Duration
	// transitional is the max age for Pending/Cancelling jobs.
	transitional time.Duration
	// running is the max progress silence for Running jobs.
	running time.Duration
}

// SweeperOptions tunes a Sweeper. Zero values use the defaults.
type SweeperOptions struct {
	Interval          time.Duration
	StuckTransitional time.Duration
	StuckRunning      time.Duration
	Logger            telemetry.Logger
}

// NewSweeper builds a Sweeper over the job store.
func NewSweeper(jobs JobStore, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		jobs:         jobs,
		log:          opts.Logger,
		interval:     opts.Interval,
		transitional: opts.StuckTransitional,
		running:      opts.StuckRunning,
	}
	if s.log == nil {
		s.log = telemetry.NopLogger{}
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.transitional <= 0 {
		s.transitional = DefaultStuckTransitional
	}
	if s.running <= 0 {
		s.running = DefaultStuckRunning
	}
	return s
}

// Run sweeps on the configured interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.log.Error(ctx, "job sweep failed", "err", err.Error())
			}
		}
	}
}

// Sweep performs one pass. Stuck Cancelling jobs finish their cancellation;
// stuck Pending jobs fail as never-started; silent Running jobs fail as
// stalled.
func (s *Sweeper) Sweep(ctx context.Context) error {
	jobs, err := s.jobs.ListActiveJobs(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, j := range jobs {
		switch j.Status {
		case JobCancelling:
			if now.Sub(statusAge(j)) > s.transitional {
				s.reap(ctx, j, JobCancelled, "cancellation drain exceeded, reaped by sweeper")
			}
		case JobPending:
			if now.Sub(statusAge(j)) > s.transitional {
				s.reap(ctx, j, JobFailed, "job never started, reaped by sweeper")
			}
		case JobRunning:
			if now.Sub(statusAge(j)) > s.running {
				s.reap(ctx, j, JobFailed, "no progress, reaped by sweeper")
			}
		}
	}
	return nil
}

func (s *Sweeper) reap(ctx context.Context, j SyncJob, to JobStatus, reason string) {
	if err := s.jobs.UpdateJobStatus(ctx, j.ID, to, reason); err != nil {
		s.log.Error(ctx, "reap failed", "job_id", j.ID, "err", err.Error())
		return
	}
	s.log.Warn(ctx, "stuck job reaped", "job_id", j.ID, "sync_id", j.SyncID, "from", string(j.Status), "to", string(to), "reason", reason)
}

// statusAge returns the freshest timestamp relevant to the job's state.
func statusAge(j SyncJob) time.Time {
	t := j.CreatedAt
	if j.StartedAt.After(t) {
		t = j.StartedAt
	}
	if j.LastProgressAt.After(t) {
		t = j.LastProgressAt
	}
	return t
}
