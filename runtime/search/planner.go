package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/model"
)

const plannerSystemPrompt = `You are the query planner of Airweave, a platform
that syncs data from SaaS applications into a searchable vector index.
Documents carry the source's fields plus system metadata (source_name,
entity_type, created_at, updated_at). Given the user's question, the
collection summary, and the history of previous attempts, produce a retrieval
plan as a single JSON object:

{
  "queries": ["primary query", "variation", ...],
  "retrieval_strategy": "semantic" | "keyword" | "hybrid",
  "limit": <int>,
  "offset": <int>,
  "filter_groups": [{"predicates": [{"field": "...", "operator": "eq|ne|gt|lt|ge|le|contains|in|not_in", "value": ...}]}],
  "reasoning": "one short paragraph"
}

Use 1-3 query variations. Prefer hybrid unless the question is clearly
keyword-shaped (identifiers, exact names) or clearly conceptual. Filter
groups are OR-ed; predicates within a group are AND-ed. Respond with JSON
only.`

// Planner asks the planning model for a retrieval plan.
type Planner struct {
	client model.Client
	// model overrides the adapter default when non-empty.
	model string
}

// NewPlanner builds a Planner over an LLM client.
func NewPlanner(client model.Client, modelID string) (*Planner, error) {
	if client == nil {
		return nil, fmt.Errorf("planner: model client is required")
	}
	return &Planner{client: client, model: modelID}, nil
}

// Plan produces the next iteration's plan from the loop state.
func (p *Planner) Plan(ctx context.Context, s *State) (*Plan, error) {
	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", s.OriginalQuery)
	fmt.Fprintf(&user, "Collection: %s\n", describeCollection(s.Collection))
	fmt.Fprintf(&user, "Requested limit=%d offset=%d\n", s.Limit, s.Offset)
	if h := s.History(); h != "" {
		fmt.Fprintf(&user, "\nPrevious attempts:\n%s", h)
	}

	resp, err := p.client.Complete(ctx, &model.Request{
		Model: p.model,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: plannerSystemPrompt},
			{Role: model.RoleUser, Content: user.String()},
		},
	})
	if err != nil {
		return nil, errs.Operational(errs.KindExternalService, "planner completion", err)
	}

	var plan Plan
	if err := decodeModelJSON(resp.Content, &plan); err != nil {
		return nil, errs.Operational(errs.KindExternalService,
			fmt.Sprintf("planner returned unparseable plan: %.200s", resp.Content), err)
	}
	// The caller's pagination wins over whatever the model chose.
	plan.Limit = s.Limit
	plan.Offset = s.Offset
	if err := plan.Validate(); err != nil {
		return nil, errs.Operational(errs.KindExternalService, "planner returned invalid plan", err)
	}
	return &plan, nil
}

func describeCollection(info *CollectionInfo) string {
	if info == nil {
		return "no summary available"
	}
	return fmt.Sprintf("%d documents; sources: %s; entity types: %s",
		info.DocumentCount, strings.Join(info.Sources, ", "), strings.Join(info.EntityTypes, ", "))
}

// decodeModelJSON parses a JSON object out of model output, tolerating code
// fences and leading prose.
func decodeModelJSON(content string, v any) error {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```"); i >= 0 {
		content = content[i+3:]
		content = strings.TrimPrefix(content, "json")
		if j := strings.Index(content, "```"); j >= 0 {
			content = content[:j]
		}
	}
	if i := strings.IndexByte(content, '{'); i > 0 {
		content = content[i:]
	}
	if j := strings.LastIndexByte(content, '}'); j >= 0 {
		content = content[:j+1]
	}
	return json.Unmarshal([]byte(strings.TrimSpace(content)), v)
}
