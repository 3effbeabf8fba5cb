package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/source"
)

type fakeFederatedSource struct {
	entities []entity.Entity
	err      error
	gotQuery string
	gotLimit int
}

var _ source.Searcher = (*fakeFederatedSource)(nil)

func (f *fakeFederatedSource) Search(_ context.Context, query string, limit int) ([]entity.Entity, error) {
	f.gotQuery = query
	f.gotLimit = limit
	return f.entities, f.err
}

func federatedChunk(id, text string) *entity.Chunk {
	return &entity.Chunk{
		Base: entity.Base{EntityID: id, Name: id},
		Text: text,
	}
}

func TestFederatorMergesSourceResults(t *testing.T) {
	fed := NewFederator(nil)
	fed.Register("jira", &fakeFederatedSource{entities: []entity.Entity{
		federatedChunk("ISSUE-2", "fix login"),
		federatedChunk("ISSUE-1", "add search"),
	}})
	fed.Register("confluence", &fakeFederatedSource{entities: []entity.Entity{
		federatedChunk("page-9", "runbook"),
	}})

	results := fed.Search(context.Background(), "search", 5)
	require.Len(t, results, 3)
	// Ordered by source then id.
	assert.Equal(t, "page-9", results[0].ID)
	assert.Equal(t, "confluence", results[0].Fields["source_name"])
	assert.Equal(t, "ISSUE-1", results[1].ID)
	assert.Equal(t, "ISSUE-2", results[2].ID)
	assert.Equal(t, "fix login", results[2].Fields["text"])
}

func TestFederatorToleratesFailingSource(t *testing.T) {
	fed := NewFederator(nil)
	fed.Register("broken", &fakeFederatedSource{err: errors.New("upstream 500")})
	fed.Register("jira", &fakeFederatedSource{entities: []entity.Entity{
		federatedChunk("ISSUE-1", "add search"),
	}})

	results := fed.Search(context.Background(), "search", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "ISSUE-1", results[0].ID)
}

func TestFederatorDefaultsLimit(t *testing.T) {
	src := &fakeFederatedSource{}
	fed := NewFederator(nil)
	fed.Register("jira", src)

	assert.Nil(t, fed.Search(context.Background(), "q", 0))
	assert.Equal(t, "q", src.gotQuery)
	assert.Equal(t, 10, src.gotLimit)
	assert.Equal(t, 1, fed.Len())
}

func TestFederatorEmptyReturnsNil(t *testing.T) {
	fed := NewFederator(nil)
	assert.Nil(t, fed.Search(context.Background(), "q", 5))
}
