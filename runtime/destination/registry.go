package destination

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/telemetry"
)

type (
	// Tx is the transactional view of the slot table. All reads and writes
	// inside one Transact callback observe and mutate the same snapshot.
	Tx interface {
		Slots(syncID uuid.UUID) ([]Slot, error)
		InsertSlot(syncID uuid.UUID, slot Slot) error
		UpdateRole(syncID, connectionID uuid.UUID, role Role) error
		DeleteSlot(syncID, connectionID uuid.UUID) error
	}

	// Store runs slot mutations inside a unit of work that commits once at
	// the outermost exit or rolls back on error.
	Store interface {
		Transact(ctx context.Context, fn func(tx Tx) error) error
	}

	// Backfiller replays a sync's captured snapshot into a newly attached
	// destination. Fork uses it when requested.
	Backfiller interface {
		Backfill(ctx context.Context, syncID, connectionID uuid.UUID) error
	}

	// Registry manages the per-sync destination slots.
	Registry struct {
		store Store
		log   telemetry.Logger
	}
)

// NewRegistry builds a slot registry over the given store.
func NewRegistry(store Store, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NopLogger{}
	}
	return &Registry{store: store, log: log}
}

// Attach adds a destination slot as Shadow. Attaching an already present
// connection is rejected.
func (r *Registry) Attach(ctx context.Context, syncID, connectionID uuid.UUID) error {
	return r.store.Transact(ctx, func(tx Tx) error {
		slots, err := tx.Slots(syncID)
		if err != nil {
			return err
		}
		if findSlot(slots, connectionID) != nil {
			return errs.Expected(errs.KindValidation,
				fmt.Sprintf("connection %s is already attached to sync %s", connectionID, syncID))
		}
		role := RoleShadow
		if !hasActive(slots) {
			// First destination on a sync becomes Active directly so the
			// sync always has one Active destination once any exist.
			role = RoleActive
		}
		return tx.InsertSlot(syncID, Slot{ConnectionID: connectionID, Role: role})
	})
}

// Fork attaches a destination as Shadow and, when a backfiller is supplied,
// replays the captured snapshot into it.
func (r *Registry) Fork(ctx context.Context, syncID, connectionID uuid.UUID, backfill Backfiller) error {
	if err := r.Attach(ctx, syncID, connectionID); err != nil {
		return err
	}
	if backfill == nil {
		return nil
	}
	if err := backfill.Backfill(ctx, syncID, connectionID); err != nil {
		return fmt.Errorf("backfill forked destination %s: %w", connectionID, err)
	}
	r.log.Info(ctx, "destination forked with backfill", "sync_id", syncID, "connection_id", connectionID)
	return nil
}

// Switch promotes a Shadow to Active and demotes the prior Active to
// Deprecated, transactionally.
func (r *Registry) Switch(ctx context.Context, syncID, connectionID uuid.UUID) error {
	return r.store.Transact(ctx, func(tx Tx) error {
		slots, err := tx.Slots(syncID)
		if err != nil {
			return err
		}
		target := findSlot(slots, connectionID)
		if target == nil {
			return errs.Expected(errs.KindNotFound,
				fmt.Sprintf("connection %s has no slot on sync %s", connectionID, syncID))
		}
		if target.Source {
			return errs.Expected(errs.KindValidation, "source slots cannot be switched")
		}
		if target.Role != RoleShadow {
			return errs.Expected(errs.KindValidation,
				fmt.Sprintf("switch requires a shadow slot, got role %q", target.Role))
		}
		for _, s := range slots {
			if s.Role == RoleActive {
				if err := tx.UpdateRole(syncID, s.ConnectionID, RoleDeprecated); err != nil {
					return err
				}
			}
		}
		return tx.UpdateRole(syncID, connectionID, RoleActive)
	})
}

// SetRole changes a slot's role with invariant checks: promoting to Active
// demotes the current Active to Shadow; demoting the sole remaining Active is
// rejected.
func (r *Registry) SetRole(ctx context.Context, syncID, connectionID uuid.UUID, role Role) error {
	switch role {
	case RoleActive, RoleShadow, RoleDeprecated:
	default:
		return errs.Expected(errs.KindValidation, fmt.Sprintf("unknown role %q", role))
	}
	return r.store.Transact(ctx, func(tx Tx) error {
		slots, err := tx.Slots(syncID)
		if err != nil {
			return err
		}
		target := findSlot(slots, connectionID)
		if target == nil {
			return errs.Expected(errs.KindNotFound,
				fmt.Sprintf("connection %s has no slot on sync %s", connectionID, syncID))
		}
		if target.Source {
			return errs.Expected(errs.KindValidation, "source slots carry no role")
		}
		if target.Role == role {
			return nil
		}
		if target.Role == RoleActive {
			// Demoting the only Active would leave the sync without one.
			return errs.Expected(errs.KindValidation,
				"cannot demote the active destination; promote another slot instead")
		}
		if role == RoleActive {
			for _, s := range slots {
				if s.Role == RoleActive {
					if err := tx.UpdateRole(syncID, s.ConnectionID, RoleShadow); err != nil {
						return err
					}
				}
			}
		}
		return tx.UpdateRole(syncID, connectionID, role)
	})
}

// Remove deletes a slot. Sources and Active destinations cannot be removed;
// Active slots must be demoted first via Switch/SetRole.
func (r *Registry) Remove(ctx context.Context, syncID, connectionID uuid.UUID) error {
	return r.store.Transact(ctx, func(tx Tx) error {
		slots, err := tx.Slots(syncID)
		if err != nil {
			return err
		}
		target := findSlot(slots, connectionID)
		if target == nil {
			return errs.Expected(errs.KindNotFound,
				fmt.Sprintf("connection %s has no slot on sync %s", connectionID, syncID))
		}
		if target.Source {
			return errs.Expected(errs.KindValidation, "source slots cannot be removed")
		}
		if target.Role == RoleActive {
			return errs.Expected(errs.KindValidation, "active destinations cannot be removed; demote first")
		}
		return tx.DeleteSlot(syncID, connectionID)
	})
}

// Slots lists the slots for a sync.
func (r *Registry) Slots(ctx context.Context, syncID uuid.UUID) ([]Slot, error) {
	var out []Slot
	err := r.store.Transact(ctx, func(tx Tx) error {
		slots, err := tx.Slots(syncID)
		if err != nil {
			return err
		}
		out = slots
		return nil
	})
	return out, err
}

func findSlot(slots []Slot, connectionID uuid.UUID) *Slot {
	for i := range slots {
		if slots[i].ConnectionID == connectionID {
			return &slots[i]
		}
	}
	return nil
}

func hasActive(slots []Slot) bool {
	for _, s := range slots {
		if s.Role == RoleActive {
			return true
		}
	}
	return false
}
