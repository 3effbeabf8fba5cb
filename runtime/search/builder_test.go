package search

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHybridQuery(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	collectionID := uuid.New()
	plan := &Plan{
		Queries:  []string{"quarterly revenue", "q3 earnings"},
		Strategy: StrategyHybrid,
		Limit:    10,
	}
	require.NoError(t, plan.Validate())

	q, err := b.Build(plan,
		[][]float32{{0.1, 0.2}, {0.3, 0.4}},
		map[uint32]float32{7: 1.5},
		collectionID,
		[]string{"user:alice"},
	)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(q.YQL, "select * from entity where "))
	assert.Contains(t, q.YQL, `collection_id contains "`+collectionID.String()+`"`)
	assert.Contains(t, q.YQL, "nearestNeighbor(embedding, q0)")
	assert.Contains(t, q.YQL, "nearestNeighbor(embedding, q1)")
	assert.Contains(t, q.YQL, `userInput(@userInput)`)
	assert.Contains(t, q.YQL, `access_is_public = true or access_viewers contains "user:alice"`)

	assert.Equal(t, ProfileHybridRRF, q.Profile)
	assert.Equal(t, 100, q.RerankCount)
	assert.Equal(t, 10, q.Hits)
	assert.Equal(t, "quarterly revenue", q.Params["userInput"])
	assert.Equal(t, []float32{0.1, 0.2}, q.Params["input.query(q0)"])
	assert.Equal(t, map[string]float64{"7": 1.5}, q.Params["input.query(sparse)"])
	assert.Equal(t,
		[]string{"input.query(q0)", "input.query(q1)", "input.query(sparse)", "userInput"},
		q.sortedParams())
}

func TestBuildSemanticOnlyOmitsTextClause(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	plan := &Plan{Queries: []string{"concept"}, Strategy: StrategySemantic, Limit: 5}
	require.NoError(t, plan.Validate())

	q, err := b.Build(plan, [][]float32{{1}}, map[uint32]float32{1: 1}, uuid.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, ProfileSemanticOnly, q.Profile)
	assert.NotContains(t, q.YQL, "userInput")
	// Sparse tensor is not attached for pure semantic retrieval.
	_, ok := q.Params["input.query(sparse)"]
	assert.False(t, ok)
	// No principals: public documents only.
	assert.Contains(t, q.YQL, "(access_is_public = true)")
}

func TestBuildKeywordRequiresNoVectors(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	plan := &Plan{Queries: []string{"ERR-4501"}, Strategy: StrategyKeyword, Limit: 5}
	require.NoError(t, plan.Validate())

	q, err := b.Build(plan, nil, nil, uuid.New(), nil)
	require.NoError(t, err)
	assert.Equal(t, ProfileKeywordOnly, q.Profile)
	assert.NotContains(t, q.YQL, "nearestNeighbor")
}

func TestBuildVectorCountMismatch(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	plan := &Plan{Queries: []string{"a", "b"}, Strategy: StrategySemantic, Limit: 5}
	require.NoError(t, plan.Validate())
	_, err := b.Build(plan, [][]float32{{1}}, nil, uuid.New(), nil)
	require.Error(t, err)
}

func TestFilterClauseTranslation(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	plan := &Plan{
		Queries:  []string{"tickets"},
		Strategy: StrategyKeyword,
		Limit:    5,
		FilterGroups: []FilterGroup{
			{Predicates: []Predicate{
				{Field: "source", Operator: OpEq, Value: "jira"},
				{Field: "created_at", Operator: OpGe, Value: float64(1700000000)},
			}},
			{Predicates: []Predicate{
				{Field: "entity_type", Operator: OpIn, Value: []any{"ticket", "comment"}},
			}},
		},
	}
	require.NoError(t, plan.Validate())

	q, err := b.Build(plan, nil, nil, uuid.New(), nil)
	require.NoError(t, err)
	assert.Contains(t, q.YQL, `source_name contains "jira"`)
	assert.Contains(t, q.YQL, "created_at >= 1700000000")
	assert.Contains(t, q.YQL, `entity_type in ("ticket", "comment")`)
	// Groups are OR-ed, predicates within a group AND-ed.
	assert.Contains(t, q.YQL, `and created_at >= 1700000000) or (entity_type in (`)
}

func TestRerankCountFloor(t *testing.T) {
	assert.Equal(t, 100, RerankCount(10, 0))
	assert.Equal(t, 100, RerankCount(50, 50))
	assert.Equal(t, 150, RerankCount(100, 50))
}

func TestDocIDDeterministic(t *testing.T) {
	syncID := uuid.New()
	a := DocID(syncID, "entity-1", 0)
	b := DocID(syncID, "entity-1", 0)
	c := DocID(syncID, "entity-1", 1)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestYQLStringEscaping(t *testing.T) {
	b := NewBuilder(BuilderOptions{})
	plan := &Plan{
		Queries:  []string{"x"},
		Strategy: StrategyKeyword,
		Limit:    5,
		FilterGroups: []FilterGroup{{Predicates: []Predicate{
			{Field: "name", Operator: OpContains, Value: `say "hi" \ bye`},
		}}},
	}
	require.NoError(t, plan.Validate())
	q, err := b.Build(plan, nil, nil, uuid.New(), nil)
	require.NoError(t, err)
	assert.Contains(t, q.YQL, `name contains "say \"hi\" \\ bye"`)
}

func TestValidateRejectsBadOperator(t *testing.T) {
	plan := &Plan{
		Queries:  []string{"x"},
		Strategy: StrategyHybrid,
		FilterGroups: []FilterGroup{{Predicates: []Predicate{
			{Field: "f", Operator: "like", Value: "v"},
		}}},
	}
	require.Error(t, plan.Validate())
}
