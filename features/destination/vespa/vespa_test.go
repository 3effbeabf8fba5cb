package vespa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/destination"
	"github.com/airweave/airweave-go/runtime/entity"
	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/search"
)

var (
	_ destination.Handler        = (*Handler)(nil)
	_ search.Executor            = (*Executor)(nil)
	_ search.CollectionInspector = (*Inspector)(nil)
)

type capturedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

// fakeVespa records requests and serves canned responses.
type fakeVespa struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func (f *fakeVespa) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
	})
	f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
	}
	if f.response != "" {
		w.Write([]byte(f.response))
	} else {
		w.Write([]byte(`{}`))
	}
}

func (f *fakeVespa) captured() []capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]capturedRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, fake *fakeVespa) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOptions{Endpoint: srv.URL})
	require.NoError(t, err)
	return c
}

func TestHandleBatchFeedsOneDocumentPerChunk(t *testing.T) {
	fake := &fakeVespa{}
	client := newTestClient(t, fake)
	collectionID := uuid.New()
	h, err := NewHandler(HandlerOptions{Client: client, CollectionID: collectionID})
	require.NoError(t, err)

	syncID := uuid.New()
	ent := &entity.Chunk{
		Base: entity.Base{EntityID: "page-1", Name: "Roadmap"},
		Text: "full text",
	}
	ent.System.OriginalEntityID = "page-1"
	ent.System.SourceName = "notion"
	ent.System.EntityType = "NotionPage"

	batch := entity.NewBatch(syncID, uuid.New(), uuid.New())
	require.NoError(t, batch.Add(entity.Action{
		Type:   entity.ActionInsert,
		Entity: ent,
		Chunks: []entity.EmbeddedChunk{
			{Index: 0, Text: "chunk zero", TokenCount: 2, Dense: []float32{0.1, 0.2}},
			{Index: 1, Text: "chunk one", TokenCount: 2, Dense: []float32{0.3, 0.4}},
		},
	}))
	require.NoError(t, h.HandleBatch(context.Background(), batch))

	reqs := fake.captured()
	require.Len(t, reqs, 2)
	paths := map[string]map[string]any{}
	for _, r := range reqs {
		assert.Equal(t, http.MethodPut, r.Method)
		paths[r.Path] = r.Body
	}
	doc0 := "/document/v1/airweave/entity/docid/" + search.DocID(syncID, "page-1", 0)
	doc1 := "/document/v1/airweave/entity/docid/" + search.DocID(syncID, "page-1", 1)
	require.Contains(t, paths, doc0)
	require.Contains(t, paths, doc1)

	fields, ok := paths[doc0]["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, collectionID.String(), fields["collection_id"])
	assert.Equal(t, "chunk zero", fields["text"])
	assert.Equal(t, "notion", fields["source_name"])
	assert.Equal(t, "NotionPage", fields["entity_type"])
	assert.Equal(t, true, fields["access_is_public"])
}

func TestHandleBatchUpdateDropsExistingDocumentsFirst(t *testing.T) {
	fake := &fakeVespa{}
	client := newTestClient(t, fake)
	h, err := NewHandler(HandlerOptions{Client: client, CollectionID: uuid.New(), FeedConcurrency: 1})
	require.NoError(t, err)

	syncID := uuid.New()
	ent := &entity.Chunk{
		Base: entity.Base{EntityID: "page-1", Name: "Roadmap"},
		Text: "shrunk",
	}
	ent.System.OriginalEntityID = "page-1"

	// The previous version had three chunks; the new one has one. The old
	// documents must be removed so chunk_index 1 and 2 do not linger.
	batch := entity.NewBatch(syncID, uuid.New(), uuid.New())
	require.NoError(t, batch.Add(entity.Action{
		Type:   entity.ActionUpdate,
		Entity: ent,
		Chunks: []entity.EmbeddedChunk{{Index: 0, Text: "shrunk", TokenCount: 1, Dense: []float32{0.1}}},
	}))
	require.NoError(t, h.HandleBatch(context.Background(), batch))

	reqs := fake.captured()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodDelete, reqs[0].Method)
	assert.Contains(t, reqs[0].Query, "selection=")
	assert.Equal(t, http.MethodPut, reqs[1].Method)
	assert.Equal(t, "/document/v1/airweave/entity/docid/"+search.DocID(syncID, "page-1", 0), reqs[1].Path)
}

func TestDeleteEntitiesUsesSelection(t *testing.T) {
	fake := &fakeVespa{}
	client := newTestClient(t, fake)
	syncID := uuid.New()
	h, err := NewHandler(HandlerOptions{Client: client, CollectionID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, h.DeleteEntities(context.Background(), syncID, []string{"a", "b"}))

	reqs := fake.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodDelete, reqs[0].Method)
	assert.Contains(t, reqs[0].Query, "selection=")
	assert.Contains(t, reqs[0].Query, "cluster=airweave")
}

func TestClientClassifiesServerErrors(t *testing.T) {
	fake := &fakeVespa{status: http.StatusBadGateway}
	client := newTestClient(t, fake)

	err := client.FeedDocument(context.Background(), "d1", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.True(t, errs.IsKind(err, errs.KindDestinationDown))
}

func TestClientClassifiesClientErrors(t *testing.T) {
	fake := &fakeVespa{status: http.StatusBadRequest}
	client := newTestClient(t, fake)

	err := client.FeedDocument(context.Background(), "d1", map[string]any{"text": "x"})
	require.Error(t, err)
	assert.False(t, errs.IsRetryable(err))
}

func TestExecutorTranslatesHits(t *testing.T) {
	fake := &fakeVespa{response: `{
		"root": {
			"fields": {"totalCount": 2},
			"children": [
				{"id": "id:airweave:entity::doc-a", "relevance": 0.9,
				 "fields": {"documentid": "id:airweave:entity::doc-a", "text": "alpha"}},
				{"id": "id:airweave:entity::doc-b", "relevance": 0.4,
				 "fields": {"text": "beta"}}
			]
		}
	}`}
	client := newTestClient(t, fake)
	ex, err := NewExecutor(client)
	require.NoError(t, err)

	results, err := ex.Execute(context.Background(), &search.CompiledQuery{
		YQL:         `select * from entity where true`,
		Params:      map[string]any{"userInput": "alpha"},
		Profile:     search.ProfileHybridRRF,
		Hits:        10,
		RerankCount: 100,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "doc-a", results[0].ID)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, "alpha", results[0].Fields["text"])
	assert.Equal(t, "doc-b", results[1].ID)

	reqs := fake.captured()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/search/", reqs[0].Path)
	assert.Equal(t, search.ProfileHybridRRF, reqs[0].Body["ranking.profile"])
	assert.Equal(t, "alpha", reqs[0].Body["userInput"])
	assert.Equal(t, float64(100), reqs[0].Body["ranking.rerankCount"])
}

func TestExecutorSurfacesQueryErrors(t *testing.T) {
	fake := &fakeVespa{response: `{
		"root": {"fields": {"totalCount": 0},
			"errors": [{"summary": "Invalid query", "message": "bad yql"}]}
	}`}
	client := newTestClient(t, fake)
	ex, err := NewExecutor(client)
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), &search.CompiledQuery{YQL: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid query")
}

func TestInspectorParsesGrouping(t *testing.T) {
	fake := &fakeVespa{response: `{
		"root": {
			"fields": {"totalCount": 42},
			"children": [
				{"id": "group:root:group(source_name)", "children": [
					{"id": "grouplist", "children": [
						{"id": "g1", "value": "notion"},
						{"id": "g2", "value": "slack"}
					]}
				]},
				{"id": "group:root:group(entity_type)", "children": [
					{"id": "grouplist", "children": [
						{"id": "g3", "value": "NotionPage"}
					]}
				]}
			]
		}
	}`}
	client := newTestClient(t, fake)
	ins, err := NewInspector(client)
	require.NoError(t, err)

	info, err := ins.Inspect(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 42, info.DocumentCount)
	assert.Equal(t, []string{"notion", "slack"}, info.Sources)
	assert.Equal(t, []string{"NotionPage"}, info.EntityTypes)
}
