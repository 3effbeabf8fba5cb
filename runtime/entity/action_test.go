package entity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRejectsDuplicateEntityID(t *testing.T) {
	b := NewBatch(uuid.New(), uuid.New(), uuid.New())
	e := &Base{EntityID: "dup"}
	require.NoError(t, b.Add(Action{Type: ActionInsert, Entity: e}))
	err := b.Add(Action{Type: ActionUpdate, Entity: &Base{EntityID: "dup"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate entity_id")
	assert.Equal(t, 1, b.Len())
}

func TestBatchPreservesInsertionOrder(t *testing.T) {
	b := NewBatch(uuid.New(), uuid.New(), uuid.New())
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Add(Action{Type: ActionInsert, Entity: &Base{EntityID: id}}))
	}
	got := make([]string, 0, b.Len())
	for _, a := range b.Actions() {
		got = append(got, a.Entity.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
