package vespa

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/search"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

// DefaultFeedConcurrency bounds parallel document puts per batch.
const DefaultFeedConcurrency = 8

type (
	// HandlerOptions configures a Handler for one sync run.
	HandlerOptions struct {
		Client       *Client
		CollectionID uuid.UUID
		// FeedConcurrency bounds parallel feeds; defaults to
		// DefaultFeedConcurrency.
		FeedConcurrency int
		Logger          telemetry.Logger
	}

	// Handler is the vector destination: one document per embedded chunk,
	// deterministic ids, selection-based deletes.
	Handler struct {
		client       *Client
		collectionID uuid.UUID
		concurrency  int
		log          telemetry.Logger
	}
)

// NewHandler builds the vector destination handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("vespa: client is required")
	}
	if opts.CollectionID == uuid.Nil {
		return nil, fmt.Errorf("vespa: collection id is required")
	}
	c := opts.FeedConcurrency
	if c <= 0 {
		c = DefaultFeedConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Handler{
		client:       opts.Client,
		collectionID: opts.CollectionID,
		concurrency:  c,
		log:          log,
	}, nil
}

// Name identifies the handler in logs and metrics.
func (h *Handler) Name() string { return "vespa" }

// HandleBatch feeds one document per embedded chunk for Insert and Update
// actions and removes documents for Delete actions. Feeding by deterministic
// id makes replayed batches idempotent.
func (h *Handler) HandleBatch(ctx context.Context, batch *entity.Batch) error {
	// An updated entity may chunk into fewer documents than before; its
	// existing documents are dropped first so no stale chunk_index survives.
	var updated []string
	for _, a := range batch.Actions() {
		if a.Type == entity.ActionUpdate {
			updated = append(updated, a.Entity.ID())
		}
	}
	if len(updated) > 0 {
		if err := h.DeleteEntities(ctx, batch.SyncID, updated); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for _, a := range batch.Actions() {
		switch a.Type {
		case entity.ActionInsert, entity.ActionUpdate:
			ent := a.Entity
			for _, ch := range a.Chunks {
				ch := ch
				g.Go(func() error {
					docID := search.DocID(batch.SyncID, ent.Meta().OriginalEntityID, ch.Index)
					return h.client.FeedDocument(gctx, docID, h.documentFields(batch.SyncID, ent, ch))
				})
			}
		case entity.ActionDelete:
			id := a.Entity.ID()
			g.Go(func() error {
				return h.deleteByIDs(gctx, batch.SyncID, []string{id})
			})
		}
	}
	return g.Wait()
}

// DeleteEntities removes every document whose original entity id is in
// entityIDs within the sync scope.
func (h *Handler) DeleteEntities(ctx context.Context, syncID uuid.UUID, entityIDs []string) error {
	const chunkSize = 100
	for start := 0; start < len(entityIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(entityIDs) {
			end = len(entityIDs)
		}
		if err := h.deleteByIDs(ctx, syncID, entityIDs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Finalize has nothing to flush; feeds are synchronous.
func (h *Handler) Finalize(ctx context.Context, stats destination.JobStats) error {
	h.log.Info(ctx, "vespa feed finalized", "sync_id", stats.SyncID,
		"inserted", stats.Inserted, "updated", stats.Updated, "deleted", stats.Deleted)
	return nil
}

func (h *Handler) deleteByIDs(ctx context.Context, syncID uuid.UUID, ids []string) error {
	ors := make([]string, len(ids))
	for i, id := range ids {
		ors[i] = fmt.Sprintf("%s.entity_id==%s", h.client.Schema(), selectionString(id))
	}
	selection := fmt.Sprintf("%s.sync_id==%s and (%s)",
		h.client.Schema(), selectionString(syncID.String()), strings.Join(ors, " or "))
	return h.client.RemoveWhere(ctx, selection)
}

// documentFields maps one embedded chunk onto the index schema. Field names
// are the ones the query builder references.
func (h *Handler) documentFields(syncID uuid.UUID, ent entity.Entity, ch entity.EmbeddedChunk) map[string]any {
	meta := ent.Meta()
	fields := map[string]any{
		"collection_id": h.collectionID.String(),
		"sync_id":       syncID.String(),
		"entity_id":     meta.OriginalEntityID,
		"chunk_index":   ch.Index,
		"name":          ent.Label(),
		"text":          ch.Text,
		"source_name":   meta.SourceName,
		"entity_type":   meta.EntityType,
		"embedding":     ch.Dense,
	}
	if created, updated := entityTimestamps(ent); created != 0 || updated != 0 {
		if created != 0 {
			fields["created_at"] = created
		}
		if updated != 0 {
			fields["updated_at"] = updated
		}
	}
	if len(ch.Sparse) > 0 {
		cells := make(map[string]float64, len(ch.Sparse))
		for k, w := range ch.Sparse {
			cells[fmt.Sprintf("%d", k)] = float64(w)
		}
		fields["sparse"] = map[string]any{"cells": cells}
	}
	access := meta.Access
	if access == nil {
		fields["access_is_public"] = true
	} else {
		fields["access_is_public"] = access.IsPublic
		if len(access.Viewers) > 0 {
			fields["access_viewers"] = access.Viewers
		}
	}
	return fields
}

// entityTimestamps extracts epoch-second timestamps from whichever variant
// the entity is. Zero means the source supplied none.
func entityTimestamps(ent entity.Entity) (created, updated int64) {
	var b *entity.Base
	switch e := ent.(type) {
	case *entity.Base:
		b = e
	case *entity.Chunk:
		b = &e.Base
	case *entity.File:
		b = &e.Base
	default:
		return 0, 0
	}
	if b.CreatedAt != nil {
		created = b.CreatedAt.Unix()
	}
	if b.UpdatedAt != nil {
		updated = b.UpdatedAt.Unix()
	}
	return created, updated
}

// selectionString quotes a value for the document selection language.
func selectionString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
