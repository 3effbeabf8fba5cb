package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/entity"
)

// Progress accumulates per-entity outcomes with atomic counters. It is shared
// between the pipeline workers and the flusher goroutine; every method is safe
// for concurrent use.
type Progress struct {
	inserted atomic.Int64
	updated  atomic.Int64
	deleted  atomic.Int64
	skipped  atomic.Int64
	failed   atomic.Int64
	// lastChange is unix nanos of the last counter bump.
	lastChange atomic.Int64
}

// NewProgress returns a zeroed Progress.
func NewProgress() *Progress {
	p := &Progress{}
	p.touch()
	return p
}

// OnAction records one pipeline outcome.
func (p *Progress) OnAction(t entity.ActionType) {
	switch t {
	case entity.ActionInsert:
		p.inserted.Add(1)
	case entity.ActionUpdate:
		p.updated.Add(1)
	case entity.ActionDelete:
		p.deleted.Add(1)
	case entity.ActionSkip:
		p.skipped.Add(1)
	}
	p.touch()
}

// OnFailed records one failed entity.
func (p *Progress) OnFailed() {
	p.failed.Add(1)
	p.touch()
}

// AddDeleted records n orphan deletions from the finalization pass.
func (p *Progress) AddDeleted(n int) {
	p.deleted.Add(int64(n))
	p.touch()
}

// AddSkipped records a source-marked skip that never entered the pipeline.
func (p *Progress) AddSkipped() {
	p.skipped.Add(1)
	p.touch()
}

// Stats snapshots the counters.
func (p *Progress) Stats() Stats {
	return Stats{
		Inserted: int(p.inserted.Load()),
		Updated:  int(p.updated.Load()),
		Deleted:  int(p.deleted.Load()),
		Skipped:  int(p.skipped.Load()),
		Failed:   int(p.failed.Load()),
	}
}

// LastChange returns the time of the most recent counter bump.
func (p *Progress) LastChange() time.Time {
	return time.Unix(0, p.lastChange.Load())
}

func (p *Progress) touch() {
	p.lastChange.Store(time.Now().UnixNano())
}

// flushLoop persists progress snapshots every interval until ctx ends, then
// writes one final snapshot with a background-derived context so the terminal
// counters survive cancellation.
func flushLoop(ctx context.Context, jobs JobStore, jobID uuid.UUID, p *Progress, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = jobs.UpdateJobProgress(flushCtx, jobID, p.Stats())
			cancel()
			return
		case <-ticker.C:
			_ = jobs.UpdateJobProgress(ctx, jobID, p.Stats())
		}
	}
}
