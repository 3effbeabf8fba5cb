package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/model"
)

// scriptedClient returns canned completions in order.
type scriptedClient struct {
	responses []string
	calls     int
}

func (c *scriptedClient) Complete(_ context.Context, _ *model.Request) (*model.Response, error) {
	if c.calls >= len(c.responses) {
		return nil, errors.New("scripted client exhausted")
	}
	r := c.responses[c.calls]
	c.calls++
	return &model.Response{Content: r}, nil
}

func (c *scriptedClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	return nil, model.ErrStreamingUnsupported
}

type fakeExecutor struct {
	results [][]Result
	errs    []error
	queries []*CompiledQuery
}

func (f *fakeExecutor) Execute(_ context.Context, q *CompiledQuery) ([]Result, error) {
	i := len(f.queries)
	f.queries = append(f.queries, q)
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var res []Result
	if i < len(f.results) {
		res = f.results[i]
	}
	return res, err
}

type fakeDense struct{}

func (fakeDense) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2}
	}
	return out, nil
}

func (fakeDense) Dimensions() int { return 2 }

const planJSON = `{"queries":["quarterly revenue"],"retrieval_strategy":"hybrid","limit":10,"reasoning":"start broad"}`

func judgeJSON(cont bool, useful ...string) string {
	ids := ""
	for i, u := range useful {
		if i > 0 {
			ids += ","
		}
		ids += fmt.Sprintf("%q", u)
	}
	return fmt.Sprintf(`{"should_continue":%t,"reasoning":"checked","useful_result_ids":[%s],"answer_snippet":"42"}`, cont, ids)
}

func newService(t *testing.T, plannerScript, judgeScript []string, exec *fakeExecutor) *Service {
	t.Helper()
	planner, err := NewPlanner(&scriptedClient{responses: plannerScript}, "")
	require.NoError(t, err)
	judge, err := NewJudge(&scriptedClient{responses: judgeScript}, "")
	require.NoError(t, err)
	svc, err := New(Options{
		Planner:  planner,
		Judge:    judge,
		Dense:    fakeDense{},
		Builder:  NewBuilder(BuilderOptions{}),
		Executor: exec,
	})
	require.NoError(t, err)
	return svc
}

func TestSearchStopsWhenJudgeSatisfied(t *testing.T) {
	exec := &fakeExecutor{results: [][]Result{{
		{ID: "d1", Score: 0.9, Fields: map[string]any{"name": "Q3 report"}},
		{ID: "d2", Score: 0.5, Fields: map[string]any{"name": "unrelated"}},
	}}}
	svc := newService(t, []string{planJSON}, []string{judgeJSON(false, "d1")}, exec)

	sink := NewChannelSink(16)
	answer, err := svc.Search(context.Background(), Request{CollectionID: uuid.New(), Query: "revenue?"}, sink)
	require.NoError(t, err)
	sink.Close()

	assert.Equal(t, 1, answer.Iterations)
	require.Len(t, answer.Results, 1)
	assert.Equal(t, "d1", answer.Results[0].ID)
	assert.Equal(t, "42", answer.Snippet)

	var kinds []EventKind
	for e := range sink.C {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventThinking, EventSearching, EventThinking, EventDone}, kinds)
}

func TestSearchIteratesOnJudgeAdvice(t *testing.T) {
	exec := &fakeExecutor{results: [][]Result{
		{},
		{{ID: "d9", Score: 0.8}},
	}}
	svc := newService(t,
		[]string{planJSON, planJSON},
		[]string{judgeJSON(true), judgeJSON(false)},
		exec)

	answer, err := svc.Search(context.Background(), Request{CollectionID: uuid.New(), Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, answer.Iterations)
	require.Len(t, answer.Results, 1)
	assert.Equal(t, "d9", answer.Results[0].ID)
}

func TestSearchBoundedByMaxIterations(t *testing.T) {
	exec := &fakeExecutor{results: [][]Result{{}, {}, {}}}
	// The judge always wants more, but the last-iteration clamp stops it.
	svc := newService(t,
		[]string{planJSON, planJSON, planJSON},
		[]string{judgeJSON(true), judgeJSON(true), judgeJSON(true)},
		exec)

	answer, err := svc.Search(context.Background(), Request{CollectionID: uuid.New(), Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxIterations, answer.Iterations)
	assert.Len(t, exec.queries, MaxIterations)
}

func TestSearchRecordsExecutionErrorAndAsksJudge(t *testing.T) {
	exec := &fakeExecutor{
		errs:    []error{errors.New("backend 503"), nil},
		results: [][]Result{nil, {{ID: "d3"}}},
	}
	svc := newService(t,
		[]string{planJSON, planJSON},
		[]string{judgeJSON(true), judgeJSON(false, "d3")},
		exec)

	answer, err := svc.Search(context.Background(), Request{CollectionID: uuid.New(), Query: "q"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, answer.Iterations)
	require.Len(t, answer.Results, 1)
	assert.Equal(t, "d3", answer.Results[0].ID)
}

func TestSearchJudgeFallbackKeepsAllResults(t *testing.T) {
	exec := &fakeExecutor{results: [][]Result{{{ID: "a"}, {ID: "b"}}}}
	// Empty useful_result_ids keeps everything.
	svc := newService(t, []string{planJSON}, []string{judgeJSON(false)}, exec)

	answer, err := svc.Search(context.Background(), Request{CollectionID: uuid.New(), Query: "q"}, nil)
	require.NoError(t, err)
	assert.Len(t, answer.Results, 2)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	svc := newService(t, nil, nil, &fakeExecutor{})
	_, err := svc.Search(context.Background(), Request{CollectionID: uuid.New()}, nil)
	require.Error(t, err)
}

func TestDecodeModelJSONTolerance(t *testing.T) {
	var p Plan
	fenced := "Here is the plan:\n```json\n" + planJSON + "\n```\nDone."
	require.NoError(t, decodeModelJSON(fenced, &p))
	assert.Equal(t, []string{"quarterly revenue"}, p.Queries)

	var j Judgement
	require.NoError(t, decodeModelJSON(judgeJSON(false, "x"), &j))
	assert.False(t, j.ShouldContinue)
	assert.Equal(t, []string{"x"}, j.UsefulResultIDs)
}

func TestCompactFieldsTruncatesOnRuneBoundary(t *testing.T) {
	// Multi-byte text whose 400th byte falls inside a rune.
	long := strings.Repeat("日本語テキスト", 40)
	out := compactFields(map[string]any{
		"text":      long,
		"embedding": []float32{0.1},
	})

	s, ok := out["text"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.True(t, utf8.ValidString(s))
	assert.LessOrEqual(t, len(s), 400+len("..."))
	assert.NotContains(t, out, "embedding")

	// Short values pass through untouched.
	out = compactFields(map[string]any{"name": "short"})
	assert.Equal(t, "short", out["name"])
}

func TestStateHistoryCompact(t *testing.T) {
	s := NewState(Request{Query: "q", CollectionID: uuid.New()})
	require.True(t, s.Begin())
	s.Current().Plan = &Plan{Queries: []string{"a"}, Strategy: StrategyHybrid, Reasoning: "r1"}
	s.Current().Err = errors.New("boom")
	s.Current().Judgement = &Judgement{ShouldContinue: true, Advice: "narrow it"}
	require.True(t, s.Begin())

	h := s.History()
	assert.Contains(t, h, "Iteration 1")
	assert.Contains(t, h, "error: boom")
	assert.Contains(t, h, "advice=narrow it")
	// The in-progress iteration is excluded.
	assert.NotContains(t, h, "Iteration 2")
}
