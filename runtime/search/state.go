package search

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxIterations bounds the agentic loop.
const MaxIterations = 3

type (
	// Iteration records everything one loop turn produced. Failed stages
	// leave their slot nil and record the error.
	Iteration struct {
		Plan      *Plan
		Query     *CompiledQuery
		Results   []Result
		Judgement *Judgement
		Err       error
	}

	// State is the accumulated loop state for one search.
	State struct {
		OriginalQuery string
		CollectionID  uuid.UUID
		Principals    []string
		Limit         int
		Offset        int

		Iterations []Iteration
		// Collection is computed once and cached.
		Collection *CollectionInfo
		// Final holds the selected results once the loop terminates.
		Final []Result
	}
)

// NewState seeds the loop state from a request.
func NewState(req Request) *State {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	return &State{
		OriginalQuery: req.Query,
		CollectionID:  req.CollectionID,
		Principals:    req.Principals,
		Limit:         limit,
		Offset:        req.Offset,
	}
}

// Current returns the in-progress iteration.
func (s *State) Current() *Iteration {
	return &s.Iterations[len(s.Iterations)-1]
}

// Begin appends a fresh iteration and reports whether the loop may continue.
func (s *State) Begin() bool {
	if len(s.Iterations) >= MaxIterations {
		return false
	}
	s.Iterations = append(s.Iterations, Iteration{})
	return true
}

// LastIteration reports whether the current iteration is the final allowed
// one.
func (s *State) LastIteration() bool {
	return len(s.Iterations) >= MaxIterations
}

// History renders the compact prior-iteration summary given to the planner
// and judge. The current iteration is excluded.
func (s *State) History() string {
	if len(s.Iterations) <= 1 {
		return ""
	}
	var b strings.Builder
	for i, it := range s.Iterations[:len(s.Iterations)-1] {
		fmt.Fprintf(&b, "Iteration %d:\n", i+1)
		if it.Plan != nil {
			fmt.Fprintf(&b, "  queries: %s\n  strategy: %s\n  reasoning: %s\n",
				strings.Join(it.Plan.Queries, " | "), it.Plan.Strategy, it.Plan.Reasoning)
		}
		if it.Err != nil {
			fmt.Fprintf(&b, "  error: %v\n", it.Err)
		} else {
			fmt.Fprintf(&b, "  results: %d\n", len(it.Results))
		}
		if it.Judgement != nil {
			fmt.Fprintf(&b, "  judgement: continue=%t useful=%d advice=%s\n",
				it.Judgement.ShouldContinue, len(it.Judgement.UsefulResultIDs), it.Judgement.Advice)
		}
	}
	return b.String()
}

// SelectFinal applies the judge's selection to the current iteration's
// results, falling back to all of them when the selection is empty.
func (s *State) SelectFinal(j *Judgement) {
	cur := s.Current()
	if j == nil || len(j.UsefulResultIDs) == 0 {
		s.Final = cur.Results
		return
	}
	want := make(map[string]bool, len(j.UsefulResultIDs))
	for _, id := range j.UsefulResultIDs {
		want[id] = true
	}
	var out []Result
	for _, r := range cur.Results {
		if want[r.ID] {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		// The judge named ids that are not in this iteration; keep everything
		// rather than returning nothing.
		out = cur.Results
	}
	s.Final = out
}
