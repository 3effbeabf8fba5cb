package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/sync/cursor"
)

const (
	sqlGetCursor = `SELECT field, data, updated_at, last_full_sync_at
		FROM sync_cursors WHERE sync_id = ?`

	sqlPutCursor = `INSERT INTO sync_cursors
		(sync_id, field, data, updated_at, last_full_sync_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(sync_id) DO UPDATE SET
		 field = excluded.field,
		 data = excluded.data,
		 updated_at = excluded.updated_at,
		 last_full_sync_at = excluded.last_full_sync_at`

	sqlDeleteCursor = `DELETE FROM sync_cursors WHERE sync_id = ?`
)

// Get returns the stored cursor for a sync, nil when absent.
func (s *Store) Get(ctx context.Context, syncID uuid.UUID) (*cursor.Cursor, error) {
	var (
		field    sql.NullString
		data     string
		updated  sql.NullInt64
		lastFull sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, sqlGetCursor, syncID.String()).
		Scan(&field, &data, &updated, &lastFull)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting cursor for sync %s: %w", syncID, err)
	}
	var payload cursor.Data
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("sqlite: decoding cursor payload for sync %s: %w", syncID, err)
	}
	return &cursor.Cursor{
		SyncID:         syncID,
		Field:          field.String,
		Data:           payload,
		UpdatedAt:      timeOf(updated),
		LastFullSyncAt: timeOf(lastFull),
	}, nil
}

// Put persists the cursor, creating or replacing the row.
func (s *Store) Put(ctx context.Context, c *cursor.Cursor) error {
	data := c.Data
	if data == nil {
		data = cursor.Data{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sqlite: encoding cursor payload for sync %s: %w", c.SyncID, err)
	}
	_, err = s.db.ExecContext(ctx, sqlPutCursor,
		c.SyncID.String(), nullString(c.Field), string(payload),
		c.UpdatedAt.UnixNano(), nullTime(c.LastFullSyncAt))
	if err != nil {
		return fmt.Errorf("sqlite: putting cursor for sync %s: %w", c.SyncID, err)
	}
	return nil
}

// Delete removes the cursor row.
func (s *Store) Delete(ctx context.Context, syncID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteCursor, syncID.String()); err != nil {
		return fmt.Errorf("sqlite: deleting cursor for sync %s: %w", syncID, err)
	}
	return nil
}
