// Package cursor implements the per-sync durable cursor used for incremental
// continuation. The cursor payload is an opaque JSON document whose shape is
// owned by the source class; the service stores it, checks freshness, and
// applies the load/update gating rules. A source may publish a dual cursor:
// the primary advance value plus a lagging partner under the "_overlap"
// suffix so a later pass re-reads a small window under clock skew. The
// service never interprets either value; it persists both atomically.
package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/telemetry"
)

// OverlapSuffix marks the lagging partner of a dual cursor inside the data
// payload. Callers update the primary key and its "_overlap" partner in the
// same write.
const OverlapSuffix = "_overlap"

type (
	// Data is the source-defined JSON payload. Opaque to the orchestrator.
	Data map[string]any

	// Cursor is the durable per-sync state.
	Cursor struct {
		SyncID uuid.UUID
		// Field names the source field the cursor tracks (change token, tick
		// counter, timestamp).
		Field string
		Data  Data
		// UpdatedAt is the last successful persist; drives expiry checks.
		UpdatedAt time.Time
		// LastFullSyncAt is the last run that walked the full universe;
		// drives the periodic full-sync rule.
		LastFullSyncAt time.Time
	}

	// Store persists cursors. Implemented by features/store/sqlite.
	Store interface {
		Get(ctx context.Context, syncID uuid.UUID) (*Cursor, error)
		Put(ctx context.Context, c *Cursor) error
		Delete(ctx context.Context, syncID uuid.UUID) error
	}

	// Service mediates cursor access for the orchestrator, applying the
	// skip_cursor_load / force_full_sync / skip_cursor_updates gates.
	Service struct {
		store Store
		log   telemetry.Logger
	}

	// LoadOptions gates cursor materialization for one run.
	LoadOptions struct {
		// SkipLoad materializes an empty cursor regardless of stored state.
		SkipLoad bool
		// ForceFullSync also materializes an empty cursor; the stored row is
		// untouched until the run completes.
		ForceFullSync bool
	}
)

// Overlap returns the stored overlap partner for field, when present.
func (d Data) Overlap(field string) (any, bool) {
	v, ok := d[field+OverlapSuffix]
	return v, ok
}

// IsExpired reports whether the cursor is older than maxAgeDays. Expired
// cursors force a full sync on the next run (change tokens typically expire
// after ~55 days).
func (c *Cursor) IsExpired(maxAgeDays int) bool {
	if maxAgeDays <= 0 || c.UpdatedAt.IsZero() {
		return false
	}
	return time.Since(c.UpdatedAt) > time.Duration(maxAgeDays)*24*time.Hour
}

// NeedsPeriodicFullSync reports whether intervalDays have elapsed since the
// last full walk, forcing occasional full cleanup.
func (c *Cursor) NeedsPeriodicFullSync(intervalDays int) bool {
	if intervalDays <= 0 {
		return false
	}
	if c.LastFullSyncAt.IsZero() {
		return true
	}
	return time.Since(c.LastFullSyncAt) > time.Duration(intervalDays)*24*time.Hour
}

// NewService builds a cursor service over the given store.
func NewService(store Store, log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Service{store: store, log: log}
}

// Load materializes the cursor for a run. When opts gate loading, the result
// is an empty cursor bound to the sync; the stored row is left intact.
func (s *Service) Load(ctx context.Context, syncID uuid.UUID, opts LoadOptions) (*Cursor, error) {
	if opts.SkipLoad || opts.ForceFullSync {
		s.log.Debug(ctx, "cursor load skipped", "sync_id", syncID, "force_full_sync", opts.ForceFullSync)
		return &Cursor{SyncID: syncID, Data: Data{}}, nil
	}
	c, err := s.store.Get(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("load cursor for sync %s: %w", syncID, err)
	}
	if c == nil {
		return &Cursor{SyncID: syncID, Data: Data{}}, nil
	}
	if c.Data == nil {
		c.Data = Data{}
	}
	return c, nil
}

// GetCursorData returns the stored payload, or an empty payload when no
// cursor exists.
func (s *Service) GetCursorData(ctx context.Context, syncID uuid.UUID) (Data, error) {
	c, err := s.store.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return Data{}, nil
	}
	return c.Data, nil
}

// GetCursorField returns the tracked field name, empty when unset.
func (s *Service) GetCursorField(ctx context.Context, syncID uuid.UUID) (string, error) {
	c, err := s.store.Get(ctx, syncID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", nil
	}
	return c.Field, nil
}

// CreateOrUpdate persists the cursor, stamping UpdatedAt. The advance value
// and its overlap partner travel in one payload so the write is atomic.
func (s *Service) CreateOrUpdate(ctx context.Context, c *Cursor) error {
	if c.SyncID == uuid.Nil {
		return fmt.Errorf("cursor: sync id is required")
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, c); err != nil {
		return fmt.Errorf("persist cursor for sync %s: %w", c.SyncID, err)
	}
	s.log.Debug(ctx, "cursor persisted", "sync_id", c.SyncID, "cursor_field", c.Field)
	return nil
}

// UpdateData replaces only the payload of an existing cursor, creating the
// row when absent.
func (s *Service) UpdateData(ctx context.Context, syncID uuid.UUID, data Data) error {
	c, err := s.store.Get(ctx, syncID)
	if err != nil {
		return err
	}
	if c == nil {
		c = &Cursor{SyncID: syncID}
	}
	c.Data = data
	return s.CreateOrUpdate(ctx, c)
}

// Delete removes the cursor row.
func (s *Service) Delete(ctx context.Context, syncID uuid.UUID) error {
	return s.store.Delete(ctx, syncID)
}

// Summary returns a diagnostic description of the stored cursor.
func (s *Service) Summary(ctx context.Context, syncID uuid.UUID) (string, error) {
	c, err := s.store.Get(ctx, syncID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return fmt.Sprintf("sync %s: no cursor", syncID), nil
	}
	return fmt.Sprintf("sync %s: field=%q keys=%d updated=%s last_full_sync=%s",
		syncID, c.Field, len(c.Data), c.UpdatedAt.Format(time.RFC3339), c.LastFullSyncAt.Format(time.RFC3339)), nil
}
