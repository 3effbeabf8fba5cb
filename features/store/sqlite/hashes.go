package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	sqlGetHash = `SELECT hash FROM entity_hashes
		WHERE sync_id = ? AND source_connection_id = ? AND entity_id = ?`

	sqlUpsertHash = `INSERT INTO entity_hashes
		(sync_id, source_connection_id, entity_id, hash, last_seen_job_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sync_id, source_connection_id, entity_id) DO UPDATE SET
		 hash = excluded.hash,
		 last_seen_job_id = excluded.last_seen_job_id,
		 updated_at = excluded.updated_at`

	sqlMarkSeen = `UPDATE entity_hashes SET last_seen_job_id = ?, updated_at = ?
		WHERE sync_id = ? AND source_connection_id = ? AND entity_id = ?`

	sqlListOrphans = `SELECT entity_id FROM entity_hashes
		WHERE sync_id = ? AND source_connection_id = ? AND last_seen_job_id != ?`
)

// GetHash returns the stored content hash for an entity, reporting whether a
// row exists.
func (s *Store) GetHash(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, sqlGetHash,
		syncID.String(), sourceConnectionID.String(), entityID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: getting hash for entity %s: %w", entityID, err)
	}
	return hash, true, nil
}

// UpsertHash stores the hash and marks the entity seen by jobID.
func (s *Store) UpsertHash(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID, hash string, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, sqlUpsertHash,
		syncID.String(), sourceConnectionID.String(), entityID, hash, jobID.String(),
		time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: upserting hash for entity %s: %w", entityID, err)
	}
	return nil
}

// MarkSeen records that jobID observed the entity without changing its hash.
func (s *Store) MarkSeen(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityID string, jobID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, sqlMarkSeen,
		jobID.String(), time.Now().UTC().UnixNano(),
		syncID.String(), sourceConnectionID.String(), entityID)
	if err != nil {
		return fmt.Errorf("sqlite: marking entity %s seen: %w", entityID, err)
	}
	return nil
}

// ListOrphans returns entity ids present from prior jobs but not observed by
// currentJobID.
func (s *Store) ListOrphans(ctx context.Context, syncID, sourceConnectionID uuid.UUID, currentJobID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListOrphans,
		syncID.String(), sourceConnectionID.String(), currentJobID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing orphans for sync %s: %w", syncID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scanning orphan row: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating orphan rows: %w", err)
	}
	return out, nil
}

// DeleteEntities removes hash rows after orphan cleanup. Deletion is chunked
// to stay under the SQLite bind-parameter limit.
func (s *Store) DeleteEntities(ctx context.Context, syncID, sourceConnectionID uuid.UUID, entityIDs []string) error {
	const chunkSize = 500
	for start := 0; start < len(entityIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(entityIDs) {
			end = len(entityIDs)
		}
		chunk := entityIDs[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		query := fmt.Sprintf(
			`DELETE FROM entity_hashes
			 WHERE sync_id = ? AND source_connection_id = ? AND entity_id IN (%s)`,
			placeholders)

		args := make([]any, 0, 2+len(chunk))
		args = append(args, syncID.String(), sourceConnectionID.String())
		for _, id := range chunk {
			args = append(args, id)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("sqlite: deleting %d hash rows: %w", len(chunk), err)
		}
	}
	return nil
}
