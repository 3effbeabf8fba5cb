package vespa

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/airweave/airweave-go/runtime/search"
)

type (
	// Executor runs compiled queries against the index.
	Executor struct {
		client *Client
	}

	// Inspector summarizes a collection for the planner and judge.
	Inspector struct {
		client *Client
	}
)

// NewExecutor builds a search executor over the client.
func NewExecutor(client *Client) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("vespa: client is required")
	}
	return &Executor{client: client}, nil
}

// Execute runs one compiled query and translates the hits.
func (e *Executor) Execute(ctx context.Context, q *search.CompiledQuery) ([]search.Result, error) {
	body := map[string]any{
		"yql":             q.YQL,
		"hits":            q.Hits,
		"offset":          q.Offset,
		"ranking.profile": q.Profile,
	}
	if q.RerankCount > 0 {
		body["ranking.rerankCount"] = q.RerankCount
	}
	for k, v := range q.Params {
		body[k] = v
	}
	resp, err := e.client.Query(ctx, body)
	if err != nil {
		return nil, err
	}

	results := make([]search.Result, 0, len(resp.Root.Children))
	for _, child := range resp.Root.Children {
		results = append(results, search.Result{
			ID:     docIDOf(child),
			Score:  child.Relevance,
			Fields: child.Fields,
		})
	}
	return results, nil
}

// docIDOf prefers the stored deterministic id; Vespa's hit id
// ("id:ns:schema::<docid>") is the fallback.
func docIDOf(child queryChild) string {
	if id, ok := child.Fields["documentid"].(string); ok && id != "" {
		if i := strings.LastIndex(id, "::"); i >= 0 {
			return id[i+2:]
		}
		return id
	}
	if i := strings.LastIndex(child.ID, "::"); i >= 0 {
		return child.ID[i+2:]
	}
	return child.ID
}

// NewInspector builds a collection inspector over the client.
func NewInspector(client *Client) (*Inspector, error) {
	if client == nil {
		return nil, fmt.Errorf("vespa: client is required")
	}
	return &Inspector{client: client}, nil
}

// Inspect counts the collection's documents and enumerates the source and
// entity-type values present, via one grouping query.
func (i *Inspector) Inspect(ctx context.Context, collectionID uuid.UUID) (*search.CollectionInfo, error) {
	yql := fmt.Sprintf(
		`select * from %s where collection_id contains %q | all(group(source_name) each(output(count()))) | all(group(entity_type) each(output(count())))`,
		i.client.Schema(), collectionID.String())
	resp, err := i.client.Query(ctx, map[string]any{"yql": yql, "hits": 0})
	if err != nil {
		return nil, err
	}

	info := &search.CollectionInfo{
		CollectionID:  collectionID,
		DocumentCount: resp.Root.Fields.TotalCount,
	}
	for _, child := range resp.Root.Children {
		switch {
		case strings.Contains(child.ID, "group(source_name)"):
			info.Sources = groupValues(child)
		case strings.Contains(child.ID, "group(entity_type)"):
			info.EntityTypes = groupValues(child)
		}
	}
	return info, nil
}

// groupValues collects the leaf group labels of one grouping subtree.
func groupValues(node queryChild) []string {
	var out []string
	var walk func(queryChild)
	walk = func(c queryChild) {
		if c.Value != "" {
			out = append(out, c.Value)
		}
		for _, ch := range c.Children {
			walk(ch)
		}
	}
	walk(node)
	return out
}
