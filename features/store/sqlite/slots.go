package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/destination"
)

const (
	sqlListSlots = `SELECT connection_id, is_source, role
		FROM destination_slots WHERE sync_id = ? ORDER BY connection_id`

	sqlInsertSlot = `INSERT INTO destination_slots (sync_id, connection_id, is_source, role)
		VALUES (?, ?, ?, ?)`

	sqlUpdateSlotRole = `UPDATE destination_slots SET role = ?
		WHERE sync_id = ? AND connection_id = ?`

	sqlDeleteSlot = `DELETE FROM destination_slots
		WHERE sync_id = ? AND connection_id = ?`
)

// Transact runs slot mutations inside one SQLite transaction, committing on a
// nil callback result and rolling back otherwise.
func (s *Store) Transact(ctx context.Context, fn func(tx destination.Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning slot transaction: %w", err)
	}
	if err := fn(&slotTx{ctx: ctx, tx: dbTx}); err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rolling back after %w: %v", err, rbErr)
		}
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing slot transaction: %w", err)
	}
	return nil
}

// slotTx implements destination.Tx over an open *sql.Tx.
type slotTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *slotTx) Slots(syncID uuid.UUID) ([]destination.Slot, error) {
	rows, err := t.tx.QueryContext(t.ctx, sqlListSlots, syncID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing slots for sync %s: %w", syncID, err)
	}
	defer rows.Close()

	var out []destination.Slot
	for rows.Next() {
		var (
			connStr  string
			isSource int
			role     sql.NullString
		)
		if err := rows.Scan(&connStr, &isSource, &role); err != nil {
			return nil, fmt.Errorf("sqlite: scanning slot row: %w", err)
		}
		connID, err := uuid.Parse(connStr)
		if err != nil {
			return nil, fmt.Errorf("parse slot connection id %q: %w", connStr, err)
		}
		out = append(out, destination.Slot{
			ConnectionID: connID,
			Source:       isSource != 0,
			Role:         destination.Role(role.String),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating slot rows: %w", err)
	}
	return out, nil
}

func (t *slotTx) InsertSlot(syncID uuid.UUID, slot destination.Slot) error {
	isSource := 0
	if slot.Source {
		isSource = 1
	}
	_, err := t.tx.ExecContext(t.ctx, sqlInsertSlot,
		syncID.String(), slot.ConnectionID.String(), isSource,
		nullString(string(slot.Role)))
	if err != nil {
		return fmt.Errorf("sqlite: inserting slot %s: %w", slot.ConnectionID, err)
	}
	return nil
}

func (t *slotTx) UpdateRole(syncID, connectionID uuid.UUID, role destination.Role) error {
	res, err := t.tx.ExecContext(t.ctx, sqlUpdateSlotRole,
		string(role), syncID.String(), connectionID.String())
	if err != nil {
		return fmt.Errorf("sqlite: updating slot %s role: %w", connectionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: slot %s not found on sync %s", connectionID, syncID)
	}
	return nil
}

func (t *slotTx) DeleteSlot(syncID, connectionID uuid.UUID) error {
	if _, err := t.tx.ExecContext(t.ctx, sqlDeleteSlot,
		syncID.String(), connectionID.String()); err != nil {
		return fmt.Errorf("sqlite: deleting slot %s: %w", connectionID, err)
	}
	return nil
}
