package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	runsync "github.com/airweave/airweave-go/runtime/sync"
)

const (
	sqlCreateSync = `INSERT INTO syncs (id, name, source_connection_id, collection_id, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlGetSync = `SELECT id, name, source_connection_id, collection_id, created_at
		FROM syncs WHERE id = ?`

	sqlCreateConnection = `INSERT INTO source_connections
		(id, short_name, status, collection_id, schedule, cursor_field, access_token, credentials, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlGetConnection = `SELECT id, short_name, status, collection_id, schedule,
		 cursor_field, access_token, credentials, settings
		FROM source_connections WHERE id = ?`

	sqlSetConnectionStatus = `UPDATE source_connections SET status = ? WHERE id = ?`

	sqlDeleteConnection = `DELETE FROM source_connections WHERE id = ?`
)

// CreateSync inserts a sync definition.
func (s *Store) CreateSync(ctx context.Context, sy *runsync.Sync) error {
	if sy.CreatedAt.IsZero() {
		sy.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, sqlCreateSync,
		sy.ID.String(), sy.Name, sy.SourceConnectionID.String(),
		sy.CollectionID.String(), sy.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: creating sync %s: %w", sy.ID, err)
	}
	return nil
}

// GetSync returns the sync definition.
func (s *Store) GetSync(ctx context.Context, id uuid.UUID) (*runsync.Sync, error) {
	var (
		sy        runsync.Sync
		idStr     string
		connStr   string
		collStr   string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, sqlGetSync, id.String()).
		Scan(&idStr, &sy.Name, &connStr, &collStr, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: sync %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting sync %s: %w", id, err)
	}
	if sy.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse sync id %q: %w", idStr, err)
	}
	if sy.SourceConnectionID, err = uuid.Parse(connStr); err != nil {
		return nil, fmt.Errorf("parse connection id %q: %w", connStr, err)
	}
	if sy.CollectionID, err = uuid.Parse(collStr); err != nil {
		return nil, fmt.Errorf("parse collection id %q: %w", collStr, err)
	}
	sy.CreatedAt = time.Unix(0, createdAt).UTC()
	return &sy, nil
}

// CreateSourceConnection inserts a source connection.
func (s *Store) CreateSourceConnection(ctx context.Context, c *runsync.SourceConnection) error {
	if c.Status == "" {
		c.Status = runsync.ConnPending
	}
	creds, err := json.Marshal(c.Credentials)
	if err != nil {
		return fmt.Errorf("sqlite: encoding credentials: %w", err)
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("sqlite: encoding settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlCreateConnection,
		c.ID.String(), c.ShortName, string(c.Status), c.CollectionID.String(),
		nullString(c.Schedule), nullString(c.CursorField), nullString(c.AccessToken),
		string(creds), string(settings))
	if err != nil {
		return fmt.Errorf("sqlite: creating source connection %s: %w", c.ID, err)
	}
	return nil
}

// GetSourceConnection returns ErrSourceConnectionGone when the row was
// deleted.
func (s *Store) GetSourceConnection(ctx context.Context, id uuid.UUID) (*runsync.SourceConnection, error) {
	var (
		c           runsync.SourceConnection
		idStr       string
		status      string
		collStr     string
		schedule    sql.NullString
		cursorField sql.NullString
		accessToken sql.NullString
		creds       sql.NullString
		settings    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, sqlGetConnection, id.String()).
		Scan(&idStr, &c.ShortName, &status, &collStr, &schedule, &cursorField,
			&accessToken, &creds, &settings)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("source connection %s: %w", id, runsync.ErrSourceConnectionGone)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting source connection %s: %w", id, err)
	}
	if c.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse connection id %q: %w", idStr, err)
	}
	if c.CollectionID, err = uuid.Parse(collStr); err != nil {
		return nil, fmt.Errorf("parse collection id %q: %w", collStr, err)
	}
	c.Status = runsync.ConnectionStatus(status)
	c.Schedule = schedule.String
	c.CursorField = cursorField.String
	c.AccessToken = accessToken.String
	if creds.Valid && creds.String != "" {
		if err := json.Unmarshal([]byte(creds.String), &c.Credentials); err != nil {
			return nil, fmt.Errorf("sqlite: decoding credentials: %w", err)
		}
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &c.Settings); err != nil {
			return nil, fmt.Errorf("sqlite: decoding settings: %w", err)
		}
	}
	return &c, nil
}

// SetConnectionStatus updates the connection lifecycle status.
func (s *Store) SetConnectionStatus(ctx context.Context, id uuid.UUID, status runsync.ConnectionStatus) error {
	if _, err := s.db.ExecContext(ctx, sqlSetConnectionStatus, string(status), id.String()); err != nil {
		return fmt.Errorf("sqlite: setting connection %s status: %w", id, err)
	}
	return nil
}

// DeleteSourceConnection removes the connection row. Subsequent
// GetSourceConnection calls report ErrSourceConnectionGone.
func (s *Store) DeleteSourceConnection(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteConnection, id.String()); err != nil {
		return fmt.Errorf("sqlite: deleting source connection %s: %w", id, err)
	}
	return nil
}
