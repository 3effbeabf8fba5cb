// Package destination defines the contracts between the sync core and its
// destinations: the handler interface every destination implements (vector,
// raw-data snapshot, relational, access-control) and the per-sync registry of
// destination slots with their Active/Shadow/Deprecated roles. Handlers are
// stateless at the sync level and idempotent for their action types; role
// transitions run inside a unit of work so the one-Active invariant is never
// observable broken.
package destination

import (
	"context"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/entity"
)

type (
	// Handler executes destination writes for action batches. A handler
	// failure classified permanent (errs.IsRetryable == false) fails the
	// batch; retryable failures are retried by the pipeline.
	Handler interface {
		// Name identifies the handler in logs and metrics.
		Name() string
		// HandleBatch applies the batch's Insert/Update/Skip actions.
		// Idempotent: replaying a batch must not duplicate documents.
		HandleBatch(ctx context.Context, batch *entity.Batch) error
		// DeleteEntities removes every document whose original entity id is
		// in entityIDs, within the sync scope. Driven by the orphan-cleanup
		// pass and by Delete actions.
		DeleteEntities(ctx context.Context, syncID uuid.UUID, entityIDs []string) error
		// Finalize runs once at successful job completion (manifest writes,
		// flushes). Handlers with nothing to finalize return nil.
		Finalize(ctx context.Context, stats JobStats) error
	}

	// MembershipHandler persists access-control membership rows.
	MembershipHandler interface {
		HandleMemberships(ctx context.Context, actions []entity.MembershipAction) error
	}

	// SelfProcessor marks handlers that chunk and embed internally. They
	// receive raw entities; the pipeline skips its own transform and embed
	// stages when every handler in a job self-processes.
	SelfProcessor interface {
		ProcessesRawEntities() bool
	}

	// JobStats is the end-of-job roll-up handed to Finalize.
	JobStats struct {
		SyncID          uuid.UUID
		JobID           uuid.UUID
		SourceShortName string
		Inserted        int
		Updated         int
		Deleted         int
		Skipped         int
		Failed          int
	}

	// Role is a destination slot's lifecycle role.
	Role string

	// Slot binds a destination connection to a sync. A source slot is marked
	// Source=true and carries no role; it is never a destination.
	Slot struct {
		ConnectionID uuid.UUID
		Source       bool
		Role         Role
	}

	// Strategy selects which destination slots a job writes to.
	Strategy string
)

const (
	// RoleActive receives production writes. At most one per sync.
	RoleActive Role = "active"
	// RoleShadow receives duplicate writes for validation before promotion.
	RoleShadow Role = "shadow"
	// RoleDeprecated is a demoted former Active retained for rollback.
	RoleDeprecated Role = "deprecated"
)

const (
	StrategyActiveOnly      Strategy = "active_only"
	StrategyShadowOnly      Strategy = "shadow_only"
	StrategyAll             Strategy = "all"
	StrategyActiveAndShadow Strategy = "active_and_shadow"
)

// SelfProcessing reports whether h opted into raw entities.
func SelfProcessing(h Handler) bool {
	sp, ok := h.(SelfProcessor)
	return ok && sp.ProcessesRawEntities()
}

// Matches reports whether a slot participates under the strategy. Source
// slots never match.
func (s Strategy) Matches(slot Slot) bool {
	if slot.Source {
		return false
	}
	switch s {
	case StrategyActiveOnly:
		return slot.Role == RoleActive
	case StrategyShadowOnly:
		return slot.Role == RoleShadow
	case StrategyActiveAndShadow:
		return slot.Role == RoleActive || slot.Role == RoleShadow
	case StrategyAll:
		return true
	default:
		return slot.Role == RoleActive
	}
}
