// Package pipeline implements the per-entity stages of a sync: classify the
// entity against its stored content hash, transform it into token-budgeted
// chunks, embed the chunks, and dispatch the resulting action batch to every
// destination handler. Per-entity errors are counted, never fatal to the job,
// except when a handler fails with a permanent classification.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave-go/runtime/chunk"
	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/embed"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

type (
	// HashStore persists content hashes keyed by (sync_id,
	// source_connection_id, entity_id). Rows carry the id of the last job
	// that saw the entity, which drives orphan cleanup.
	HashStore interface {
		GetHash(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID string) (string, bool, error)
		// UpsertHash stores the hash and marks the entity seen by jobID.
		UpsertHash(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID, hash string, jobID uuid.UUID) error
		// MarkSeen records that jobID observed the entity without changing
		// its hash (the Skip path).
		MarkSeen(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID string, jobID uuid.UUID) error
		// ListOrphans returns entity ids present from prior jobs but not
		// seen by currentJobID.
		ListOrphans(ctx context.Context, syncID, sourceConnectionID uuid.UUID, currentJobID uuid.UUID) ([]string, error)
		// DeleteEntities removes hash rows after orphan cleanup.
		DeleteEntities(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityIDs []string) error
	}

	// Progress receives per-entity outcomes for the job roll-up.
	Progress interface {
		OnAction(t entity.ActionType)
		OnFailed()
	}

	// Scope identifies the job a pipeline invocation runs under.
	Scope struct {
		SyncID             uuid.UUID
		SourceConnectionID uuid.UUID
		JobID              uuid.UUID
		SourceName         string
		ForceFullSync      bool
	}

	// Options configures a Pipeline.
	Options struct {
		Hashes   HashStore
		Splitter *chunk.Splitter
		Dense    embed.DenseEmbedder
		// Sparse is optional; nil disables hybrid sparse embeddings.
		Sparse   embed.SparseEmbedder
		Handlers []destination.Handler
		// Files handles FileEntity download and conversion. Required only
		// when sources emit file entities.
		Files *FileHandler
		// Memberships receives access-control rows from entities that carry
		// them. Nil drops membership records.
		Memberships destination.MembershipHandler
		// HandlerRetry defaults to errs.DefaultHandlerRetry.
		HandlerRetry errs.RetryPolicy
		Logger       telemetry.Logger
		Metrics      telemetry.Metrics
	}

	// Pipeline is safe for concurrent Process calls; the orchestrator routes
	// each entity to exactly one worker so per-entity_id ordering holds.
	Pipeline struct {
		hashes      HashStore
		splitter    *chunk.Splitter
		dense       embed.DenseEmbedder
		sparse      embed.SparseEmbedder
		handlers    []destination.Handler
		files       *FileHandler
		memberships destination.MembershipHandler
		retry       errs.RetryPolicy
		log         telemetry.Logger
		metrics     telemetry.Metrics
		// rawOnly is true when every handler self-processes; transform and
		// embed are skipped entirely then.
		rawOnly bool
	}
)

// New builds a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Hashes == nil {
		return nil, fmt.Errorf("pipeline: hash store is required")
	}
	if opts.Splitter == nil {
		return nil, fmt.Errorf("pipeline: splitter is required")
	}
	if opts.Dense == nil {
		return nil, fmt.Errorf("pipeline: dense embedder is required")
	}
	retry := opts.HandlerRetry
	if retry.Attempts == 0 {
		retry = errs.DefaultHandlerRetry
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	rawOnly := len(opts.Handlers) > 0
	for _, h := range opts.Handlers {
		if !destination.SelfProcessing(h) {
			rawOnly = false
			break
		}
	}
	return &Pipeline{
		hashes:      opts.Hashes,
		splitter:    opts.Splitter,
		dense:       opts.Dense,
		sparse:      opts.Sparse,
		handlers:    opts.Handlers,
		files:       opts.Files,
		memberships: opts.Memberships,
		retry:       retry,
		log:         logger,
		metrics:     metrics,
		rawOnly:     rawOnly,
	}, nil
}

// Process runs one entity through classify → transform → embed → dispatch
// and reports the outcome to progress. The returned error is non-nil only
// for failures that must fail the job (permanent handler errors, critical
// invariant violations); per-entity failures are recorded and swallowed.
func (p *Pipeline) Process(ctx context.Context, e entity.Entity, scope Scope, progress Progress) error {
	// Temp files downloaded during transform live until dispatch is done;
	// pre-materialized files are caller-owned and left in place.
	if f, ok := e.(*entity.File); ok && f.LocalPath == "" {
		defer func() {
			if f.LocalPath != "" {
				os.Remove(f.LocalPath)
			}
		}()
	}

	action, err := p.classify(ctx, e, scope)
	if err != nil {
		return p.entityFailed(ctx, e, progress, err)
	}

	if action == entity.ActionSkip {
		if err := p.hashes.MarkSeen(ctx, scope.SyncID, scope.SourceConnectionID, e.ID(), scope.JobID); err != nil {
			return p.entityFailed(ctx, e, progress, err)
		}
		progress.OnAction(entity.ActionSkip)
		p.metrics.IncCounter("pipeline.entities", 1, "action", "skip")
		return nil
	}

	var embedded []entity.EmbeddedChunk
	if p.rawOnly {
		// Every handler processes raw entities; only file materialization is
		// still the pipeline's job.
		skipped, err := p.materializeFile(ctx, e)
		if err != nil {
			if errs.SeverityOf(err) == errs.SeverityCritical {
				return err
			}
			return p.entityFailed(ctx, e, progress, err)
		}
		if skipped {
			progress.OnAction(entity.ActionSkip)
			p.metrics.IncCounter("pipeline.entities", 1, "action", "file_skipped")
			return nil
		}
	} else {
		chunks, skipped, err := p.transform(ctx, e)
		if err != nil {
			if errs.SeverityOf(err) == errs.SeverityCritical {
				return err
			}
			return p.entityFailed(ctx, e, progress, err)
		}
		if skipped {
			// Benign file skip: not an error, not an action.
			progress.OnAction(entity.ActionSkip)
			p.metrics.IncCounter("pipeline.entities", 1, "action", "file_skipped")
			return nil
		}
		embedded, err = p.embedChunks(ctx, chunks)
		if err != nil {
			return p.entityFailed(ctx, e, progress, err)
		}
	}

	if err := p.applyMemberships(ctx, e); err != nil {
		return p.entityFailed(ctx, e, progress, err)
	}

	batch := entity.NewBatch(scope.SyncID, scope.SourceConnectionID, scope.JobID)
	if err := batch.Add(entity.Action{Type: action, Entity: e, Chunks: embedded}); err != nil {
		return errs.Critical(errs.KindInvariant, "duplicate entity in single-entity batch", err)
	}

	if err := p.Dispatch(ctx, batch); err != nil {
		if !errs.IsRetryable(err) && errs.SeverityOf(err) != errs.SeverityExpected {
			// Permanent handler failure fails the batch and, by policy, the sync.
			progress.OnFailed()
			return err
		}
		return p.entityFailed(ctx, e, progress, err)
	}

	if err := p.hashes.UpsertHash(ctx, scope.SyncID, scope.SourceConnectionID, e.ID(), e.Meta().ContentHash, scope.JobID); err != nil {
		return p.entityFailed(ctx, e, progress, err)
	}
	progress.OnAction(action)
	p.metrics.IncCounter("pipeline.entities", 1, "action", string(action))
	return nil
}

// classify computes the content hash, populates the system metadata
// envelope, and decides the action by comparing against the stored hash.
func (p *Pipeline) classify(ctx context.Context, e entity.Entity, scope Scope) (entity.ActionType, error) {
	hash, err := entity.ContentHash(e)
	if err != nil {
		return "", err
	}
	meta := e.Meta()
	meta.SyncID = scope.SyncID
	meta.SourceConnectionID = scope.SourceConnectionID
	meta.EntityType = string(e.Kind())
	meta.ContentHash = hash
	meta.OriginalEntityID = e.ID()
	meta.SourceName = scope.SourceName

	prior, found, err := p.hashes.GetHash(ctx, scope.SyncID, scope.SourceConnectionID, e.ID())
	if err != nil {
		return "", fmt.Errorf("lookup hash for %s: %w", e.ID(), err)
	}
	switch {
	case !found:
		return entity.ActionInsert, nil
	case prior == hash && !scope.ForceFullSync:
		return entity.ActionSkip, nil
	default:
		return entity.ActionUpdate, nil
	}
}

// transform produces the chunk set for chunkable entities. The skipped
// return is true for benign file skips.
func (p *Pipeline) transform(ctx context.Context, e entity.Entity) ([]chunk.Chunk, bool, error) {
	switch t := e.(type) {
	case *entity.Chunk:
		chunks, err := p.splitter.SplitText(t.Text)
		return chunks, false, err
	case *entity.File:
		if p.files == nil {
			return nil, false, errs.Critical(errs.KindProgramming, "file entity received but no file handler configured", nil)
		}
		text, err := p.files.Fetch(ctx, t)
		if err != nil {
			if errs.IsKind(err, errs.KindFileSkipped) {
				return nil, true, nil
			}
			return nil, false, err
		}
		if t.ShouldSkip {
			return nil, true, nil
		}
		chunks, err := p.splitter.SplitText(text)
		return chunks, false, err
	default:
		// Metadata-only entities dispatch without chunks.
		return nil, false, nil
	}
}

// materializeFile downloads file entities without converting or chunking
// them. The skipped return is true for benign file skips.
func (p *Pipeline) materializeFile(ctx context.Context, e entity.Entity) (bool, error) {
	f, ok := e.(*entity.File)
	if !ok {
		return false, nil
	}
	if p.files == nil {
		return false, errs.Critical(errs.KindProgramming, "file entity received but no file handler configured", nil)
	}
	if err := p.files.Materialize(ctx, f); err != nil {
		if errs.IsKind(err, errs.KindFileSkipped) {
			return true, nil
		}
		return false, err
	}
	return f.ShouldSkip, nil
}

// applyMemberships hands any access-control rows the entity carries to the
// membership handler. Rows are applied before dispatch so documents never
// become searchable ahead of their viewer lists.
func (p *Pipeline) applyMemberships(ctx context.Context, e entity.Entity) error {
	mp, ok := e.(entity.MembershipProvider)
	if !ok {
		return nil
	}
	actions := mp.MembershipActions()
	if len(actions) == 0 {
		return nil
	}
	if p.memberships == nil {
		p.log.Warn(ctx, "membership records dropped, no membership handler configured", "entity_id", e.ID(), "count", len(actions))
		return nil
	}
	if err := errs.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.memberships.HandleMemberships(ctx, actions)
	}); err != nil {
		return fmt.Errorf("memberships for %s: %w", e.ID(), err)
	}
	p.metrics.IncCounter("pipeline.memberships", float64(len(actions)))
	return nil
}

func (p *Pipeline) embedChunks(ctx context.Context, chunks []chunk.Chunk) ([]entity.EmbeddedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := p.dense.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]entity.EmbeddedChunk, len(chunks))
	for i, c := range chunks {
		out[i] = entity.EmbeddedChunk{
			Index:      c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Dense:      vecs[i],
		}
		if p.sparse != nil {
			out[i].Sparse = p.sparse.EmbedSparse(c.Text)
		}
	}
	return out, nil
}

// Dispatch hands the batch to every handler in parallel. Retryable handler
// failures retry under the availability policy; the first permanent failure
// cancels the remaining handlers and surfaces.
func (p *Pipeline) Dispatch(ctx context.Context, batch *entity.Batch) error {
	if len(p.handlers) == 0 {
		return nil
	}
	var raw *entity.Batch
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range p.handlers {
		h := h
		b := batch
		if destination.SelfProcessing(h) {
			if raw == nil {
				raw = batch.WithoutChunks()
			}
			b = raw
		}
		g.Go(func() error {
			start := time.Now()
			err := errs.Retry(gctx, p.retry, func(ctx context.Context) error {
				return h.HandleBatch(ctx, b)
			})
			p.metrics.RecordTimer("pipeline.handler_dispatch", time.Since(start), "handler", h.Name())
			if err != nil {
				return fmt.Errorf("handler %s: %w", h.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) entityFailed(ctx context.Context, e entity.Entity, progress Progress, err error) error {
	progress.OnFailed()
	p.metrics.IncCounter("pipeline.entities", 1, "action", "failed")
	p.log.Warn(ctx, "entity failed", "entity_id", e.ID(), "severity", errs.SeverityOf(err).String(), "err", err.Error())
	return nil
}
