package entity

import (
	"fmt"

	"github.com/google/uuid"
)

type (
	// ActionType is the pipeline's decision for one entity in a job.
	ActionType string

	// EmbeddedChunk is one chunk of an entity's textual representation with
	// its embeddings attached, ready for a vector destination.
	EmbeddedChunk struct {
		Index      int
		Text       string
		TokenCount int
		Dense      []float32
		// Sparse maps hashed term ids to weights for hybrid ranking. Nil when
		// the destination schema has no sparse field.
		Sparse map[uint32]float32
	}

	// Action pairs an entity with the decision taken for it. Insert and
	// Update carry the chunked, embedded content; Delete and Skip carry only
	// the entity.
	Action struct {
		Type   ActionType
		Entity Entity
		Chunks []EmbeddedChunk
	}

	// Batch groups the actions produced by one worker invocation of the
	// pipeline so handlers can bulk-operate. Within a batch an entity_id
	// appears at most once; Add enforces this.
	Batch struct {
		SyncID             uuid.UUID
		SourceConnectionID uuid.UUID
		JobID              uuid.UUID
		actions            []Action
		seen               map[string]struct{}
	}

	// MembershipActionType is the parallel taxonomy for access-control
	// membership records.
	MembershipActionType string

	// MembershipAction mutates one membership row (member, member type,
	// group) in the relational access-control table.
	MembershipAction struct {
		Type       MembershipActionType
		Member     string
		MemberType string
		Group      string
	}

	// MembershipProvider is implemented by entities that carry access-control
	// membership records alongside their own content, typically group and
	// permission entities from permission-aware sources. The pipeline applies
	// the returned actions to the membership handler before dispatch.
	MembershipProvider interface {
		MembershipActions() []MembershipAction
	}
)

const (
	ActionInsert ActionType = "insert"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionSkip   ActionType = "skip"
)

const (
	MembershipUpsert         MembershipActionType = "upsert"
	MembershipDelete         MembershipActionType = "delete"
	MembershipDeleteByMember MembershipActionType = "delete_by_member"
	MembershipDeleteByGroup  MembershipActionType = "delete_by_group"
)

// NewBatch creates an empty action batch scoped to one sync job.
func NewBatch(syncID, sourceConnectionID, jobID uuid.UUID) *Batch {
	return &Batch{
		SyncID:             syncID,
		SourceConnectionID: sourceConnectionID,
		JobID:              jobID,
		seen:               make(map[string]struct{}),
	}
}

// Add appends an action, rejecting a second action for the same entity_id.
func (b *Batch) Add(a Action) error {
	if a.Entity == nil {
		return fmt.Errorf("batch: action without entity")
	}
	id := a.Entity.ID()
	if _, dup := b.seen[id]; dup {
		return fmt.Errorf("batch: duplicate entity_id %q", id)
	}
	b.seen[id] = struct{}{}
	b.actions = append(b.actions, a)
	return nil
}

// Actions returns the batch contents in insertion order.
func (b *Batch) Actions() []Action { return b.actions }

// WithoutChunks returns a copy of the batch whose actions carry no chunks.
// Handlers that chunk and embed internally receive this form.
func (b *Batch) WithoutChunks() *Batch {
	cp := &Batch{
		SyncID:             b.SyncID,
		SourceConnectionID: b.SourceConnectionID,
		JobID:              b.JobID,
		actions:            make([]Action, len(b.actions)),
		seen:               make(map[string]struct{}, len(b.seen)),
	}
	for i, a := range b.actions {
		a.Chunks = nil
		cp.actions[i] = a
		cp.seen[a.Entity.ID()] = struct{}{}
	}
	return cp
}

// Len returns the number of actions in the batch.
func (b *Batch) Len() int { return len(b.actions) }
