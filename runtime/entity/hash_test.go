package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashDeterministic(t *testing.T) {
	e1 := &Chunk{
		Base: Base{
			EntityID:   "t-1",
			Name:       "Ticket 1",
			Fields:     map[string]any{"title": "Broken build", "priority": 2},
			Embeddable: []string{"title", "priority"},
		},
		Text: "The nightly build is broken.",
	}
	e2 := &Chunk{
		Base: Base{
			EntityID:   "t-1",
			Name:       "Ticket 1",
			Fields:     map[string]any{"priority": 2, "title": "Broken build"},
			Embeddable: []string{"priority", "title"},
		},
		Text: "The nightly build is broken.",
	}
	h1, err := ContentHash(e1)
	require.NoError(t, err)
	h2, err := ContentHash(e2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "field and declaration order must not matter")
	assert.Len(t, h1, 40)
}

func TestContentHashChangesWithContent(t *testing.T) {
	base := Base{
		EntityID:   "t-2",
		Fields:     map[string]any{"title": "Broken build"},
		Embeddable: []string{"title"},
	}
	a := &Chunk{Base: base, Text: "one"}
	b := &Chunk{Base: base, Text: "two"}
	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestContentHashNFCNormalization(t *testing.T) {
	// "é" precomposed vs combining sequence must hash identically.
	a := &Chunk{Base: Base{EntityID: "n"}, Text: "café"}
	b := &Chunk{Base: Base{EntityID: "n"}, Text: "café"}
	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestContentHashIgnoresNonEmbeddableFields(t *testing.T) {
	a := &Base{
		EntityID:   "b-1",
		Fields:     map[string]any{"title": "x", "etag": "abc"},
		Embeddable: []string{"title"},
	}
	b := &Base{
		EntityID:   "b-1",
		Fields:     map[string]any{"title": "x", "etag": "def"},
		Embeddable: []string{"title"},
	}
	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
