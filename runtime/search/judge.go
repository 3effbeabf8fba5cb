package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/airweave/airweave-go/runtime/errs"
	"github.com/airweave/airweave-go/runtime/model"
)

const judgeSystemPrompt = `You are the result judge of Airweave's agentic
search. Given the user's question, the current iteration's retrieval plan and
results (or error), and the history of previous attempts, decide whether
another iteration could do better. Respond with a single JSON object:

{
  "should_continue": true | false,
  "reasoning": "one short paragraph",
  "useful_result_ids": ["id", ...],
  "advice": "guidance for the next plan, when continuing",
  "answer_snippet": "a direct answer when one is evident",
  "error_analysis": "when the iteration failed, why and what to change"
}

Stop when the results answer the question, when more iterations are unlikely
to help, or when a recorded error is not recoverable by replanning. List in
useful_result_ids only results that actually bear on the question. Respond
with JSON only.`

// maxResultsShownToJudge caps the per-iteration result block in the judge
// prompt.
const maxResultsShownToJudge = 20

// Judge asks the judging model whether the loop should continue.
type Judge struct {
	client model.Client
	model  string
}

// NewJudge builds a Judge over an LLM client.
func NewJudge(client model.Client, modelID string) (*Judge, error) {
	if client == nil {
		return nil, fmt.Errorf("judge: model client is required")
	}
	return &Judge{client: client, model: modelID}, nil
}

// Judge evaluates the current iteration.
func (j *Judge) Judge(ctx context.Context, s *State) (*Judgement, error) {
	cur := s.Current()
	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\n", s.OriginalQuery)
	fmt.Fprintf(&user, "Collection: %s\n", describeCollection(s.Collection))
	fmt.Fprintf(&user, "Iteration %d of %d\n\n", len(s.Iterations), MaxIterations)
	if cur.Plan != nil {
		fmt.Fprintf(&user, "Plan: queries=%s strategy=%s\nPlan reasoning: %s\n",
			strings.Join(cur.Plan.Queries, " | "), cur.Plan.Strategy, cur.Plan.Reasoning)
	}
	if cur.Err != nil {
		fmt.Fprintf(&user, "Execution error: %v\n", cur.Err)
	} else {
		fmt.Fprintf(&user, "Results (%d):\n%s", len(cur.Results), formatResultsForJudge(cur.Results))
	}
	if h := s.History(); h != "" {
		fmt.Fprintf(&user, "\nPrevious attempts:\n%s", h)
	}
	if s.LastIteration() {
		user.WriteString("\nThis is the final allowed iteration; should_continue must be false.\n")
	}

	resp, err := j.client.Complete(ctx, &model.Request{
		Model: j.model,
		Messages: []*model.Message{
			{Role: model.RoleSystem, Content: judgeSystemPrompt},
			{Role: model.RoleUser, Content: user.String()},
		},
	})
	if err != nil {
		return nil, errs.Operational(errs.KindExternalService, "judge completion", err)
	}
	var verdict Judgement
	if err := decodeModelJSON(resp.Content, &verdict); err != nil {
		return nil, errs.Operational(errs.KindExternalService,
			fmt.Sprintf("judge returned unparseable verdict: %.200s", resp.Content), err)
	}
	if s.LastIteration() {
		verdict.ShouldContinue = false
	}
	return &verdict, nil
}

func formatResultsForJudge(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i >= maxResultsShownToJudge {
			fmt.Fprintf(&b, "... %d more\n", len(results)-i)
			break
		}
		fields, _ := json.Marshal(compactFields(r.Fields))
		fmt.Fprintf(&b, "- id=%s score=%.4f %s\n", r.ID, r.Score, fields)
	}
	return b.String()
}

// compactFields keeps the judge prompt bounded: long strings are truncated
// and embedding fields dropped.
func compactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if strings.Contains(k, "embedding") || strings.Contains(k, "vector") {
			continue
		}
		if s, ok := v.(string); ok && len(s) > 400 {
			out[k] = truncateRunes(s, 400) + "..."
			continue
		}
		out[k] = v
	}
	return out
}

// truncateRunes cuts s to at most n bytes without splitting a rune.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
