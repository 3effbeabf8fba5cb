package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/airweave/airweave-go/runtime/entity"
)

const (
	sqlDeleteMembership = `DELETE FROM group_members WHERE group_name = ? AND member = ?`

	sqlDeleteByMember = `DELETE FROM group_members WHERE member = ?`

	sqlDeleteByGroup = `DELETE FROM group_members WHERE group_name = ?`

	// membershipChunkSize bounds rows per multi-row insert, well inside
	// SQLite's bound-parameter limit at four parameters per row.
	membershipChunkSize = 2000
)

// HandleMemberships applies access-control membership actions in one
// transaction. Consecutive upserts collapse into multi-row inserts; a delete
// flushes the pending upserts first so in-order semantics hold.
func (s *Store) HandleMemberships(ctx context.Context, actions []entity.MembershipAction) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning membership transaction: %w", err)
	}
	now := time.Now().UTC().UnixNano()
	var pending []entity.MembershipAction
	for _, a := range actions {
		if a.Type == entity.MembershipUpsert {
			pending = append(pending, a)
			continue
		}
		err = upsertMemberships(ctx, tx, pending, now)
		pending = pending[:0]
		if err == nil {
			switch a.Type {
			case entity.MembershipDelete:
				_, err = tx.ExecContext(ctx, sqlDeleteMembership, a.Group, a.Member)
			case entity.MembershipDeleteByMember:
				_, err = tx.ExecContext(ctx, sqlDeleteByMember, a.Member)
			case entity.MembershipDeleteByGroup:
				_, err = tx.ExecContext(ctx, sqlDeleteByGroup, a.Group)
			default:
				err = fmt.Errorf("unknown membership action type %q", a.Type)
			}
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("sqlite: rolling back memberships after %w: %v", err, rbErr)
			}
			return fmt.Errorf("sqlite: applying membership action: %w", err)
		}
	}
	if err := upsertMemberships(ctx, tx, pending, now); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("sqlite: rolling back memberships after %w: %v", err, rbErr)
		}
		return fmt.Errorf("sqlite: applying membership action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing memberships: %w", err)
	}
	return nil
}

// upsertMemberships writes rows as multi-row inserts in chunks.
func upsertMemberships(ctx context.Context, tx *sql.Tx, rows []entity.MembershipAction, now int64) error {
	for start := 0; start < len(rows); start += membershipChunkSize {
		end := min(start+membershipChunkSize, len(rows))
		chunk := rows[start:end]

		var b strings.Builder
		b.WriteString(`INSERT INTO group_members (group_name, member, member_type, updated_at) VALUES `)
		args := make([]any, 0, len(chunk)*4)
		for i, a := range chunk {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?)")
			args = append(args, a.Group, a.Member, a.MemberType, now)
		}
		b.WriteString(` ON CONFLICT(group_name, member) DO UPDATE SET
			 member_type = excluded.member_type,
			 updated_at = excluded.updated_at`)
		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// GroupsOf returns the groups a member belongs to, for access-filter
// expansion at query time.
func (s *Store) GroupsOf(ctx context.Context, member string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_name FROM group_members WHERE member = ? ORDER BY group_name`, member)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing groups for member %s: %w", member, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("sqlite: scanning group row: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating group rows: %w", err)
	}
	return out, nil
}
