// Package search implements the agentic retrieval loop: a planner LLM
// proposes query variations and filters, an embedder vectorizes them, a
// builder compiles the plan into the vector index's query language, an
// executor runs it, and a judge LLM decides whether to refine or stop. The
// loop is bounded, every iteration is recorded in the loop state, and
// progress is streamed to the caller as typed events.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type (
	// Strategy selects the retrieval clause and ranking profile.
	Strategy string

	// Operator is a filter predicate comparator. Closed set.
	Operator string

	// Predicate is one (field, operator, value) condition.
	Predicate struct {
		Field    string   `json:"field"`
		Operator Operator `json:"operator"`
		Value    any      `json:"value"`
	}

	// FilterGroup is an AND of predicates. Groups are OR-ed together.
	FilterGroup struct {
		Predicates []Predicate `json:"predicates"`
	}

	// Plan is the planner's output for one iteration.
	Plan struct {
		// Queries are the query variations; the first is the primary.
		Queries []string `json:"queries"`
		// Strategy is semantic, keyword, or hybrid.
		Strategy Strategy `json:"retrieval_strategy"`
		Limit    int      `json:"limit"`
		Offset   int      `json:"offset"`
		// FilterGroups restrict results; OR of AND-groups.
		FilterGroups []FilterGroup `json:"filter_groups"`
		// Reasoning explains the plan for the judge and the event stream.
		Reasoning string `json:"reasoning"`
	}

	// Judgement is the judge's verdict on one iteration.
	Judgement struct {
		ShouldContinue bool   `json:"should_continue"`
		Reasoning      string `json:"reasoning"`
		// UsefulResultIDs selects the results worth returning; empty keeps
		// every result of the final iteration.
		UsefulResultIDs []string `json:"useful_result_ids"`
		// Advice steers the next iteration's planner.
		Advice string `json:"advice,omitempty"`
		// AnswerSnippet is a short direct answer when one is evident.
		AnswerSnippet string `json:"answer_snippet,omitempty"`
		// ErrorAnalysis explains a recorded execution error.
		ErrorAnalysis string `json:"error_analysis,omitempty"`
	}

	// Result is one scored document from the index.
	Result struct {
		// ID is the document id (deterministic per sync/entity/chunk).
		ID    string
		Score float64
		// Fields holds the stored document fields.
		Fields map[string]any
	}

	// CompiledQuery is the serialized form handed to the executor: the query
	// string plus its typed parameters.
	CompiledQuery struct {
		YQL string
		// Params carries per-variation dense vectors, the sparse tensor, and
		// scalar inputs keyed the way the index expects.
		Params map[string]any
		// Profile is the ranking profile name.
		Profile string
		Hits    int
		Offset  int
		// RerankCount is the second-phase rerank depth.
		RerankCount int
	}

	// Executor runs compiled queries against the vector index.
	Executor interface {
		Execute(ctx context.Context, q *CompiledQuery) ([]Result, error)
	}

	// CollectionInfo is the summary the planner and judge receive. Computed
	// once per search and cached in the loop state.
	CollectionInfo struct {
		CollectionID uuid.UUID
		// Sources lists the source short names feeding the collection.
		Sources []string
		// EntityTypes lists the entity type labels present.
		EntityTypes   []string
		DocumentCount int
	}

	// CollectionInspector resolves CollectionInfo. Implemented by the index
	// feature; a nil inspector yields a minimal summary.
	CollectionInspector interface {
		Inspect(ctx context.Context, collectionID uuid.UUID) (*CollectionInfo, error)
	}

	// Request is one search invocation.
	Request struct {
		CollectionID uuid.UUID
		Query        string
		// Principals are the caller's access identities for the access filter.
		// Empty restricts results to public documents.
		Principals []string
		// Limit and Offset page the final results; zero Limit defaults to 10.
		Limit  int
		Offset int
	}

	// Answer is the terminal output of a search.
	Answer struct {
		Results []Result
		// Snippet is the judge's direct answer when one was evident.
		Snippet string
		// Iterations is how many loop turns ran.
		Iterations int
	}
)

const (
	StrategySemantic Strategy = "semantic"
	StrategyKeyword  Strategy = "keyword"
	StrategyHybrid   Strategy = "hybrid"
)

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGe       Operator = "ge"
	OpLe       Operator = "le"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
)

// Valid reports whether the operator belongs to the closed set.
func (o Operator) Valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpLt, OpGe, OpLe, OpContains, OpIn, OpNotIn:
		return true
	}
	return false
}

// Validate normalizes and checks a plan: at least one query, a known
// strategy, operators from the closed set, sane pagination.
func (p *Plan) Validate() error {
	if len(p.Queries) == 0 {
		return fmt.Errorf("plan has no queries")
	}
	switch p.Strategy {
	case StrategySemantic, StrategyKeyword, StrategyHybrid:
	case "":
		p.Strategy = StrategyHybrid
	default:
		return fmt.Errorf("unknown retrieval strategy %q", p.Strategy)
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	for _, g := range p.FilterGroups {
		for _, pr := range g.Predicates {
			if !pr.Operator.Valid() {
				return fmt.Errorf("unknown filter operator %q", pr.Operator)
			}
			if pr.Field == "" {
				return fmt.Errorf("filter predicate without field")
			}
		}
	}
	return nil
}

// RerankCount is the second-phase depth rule shared by every strategy.
func RerankCount(limit, offset int) int {
	n := limit + offset
	if n < 100 {
		return 100
	}
	return n
}
