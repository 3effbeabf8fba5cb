package search

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Ranking profile names. Part of the index contract.
const (
	ProfileSemanticOnly = "semantic-only"
	ProfileKeywordOnly  = "keyword-only"
	ProfileHybridRRF    = "hybrid-rrf"
)

// defaultFieldMap translates planner-visible field names to stored document
// paths. Unknown fields pass through unchanged.
var defaultFieldMap = map[string]string{
	"source":      "source_name",
	"source_name": "source_name",
	"entity_type": "entity_type",
	"created_at":  "created_at",
	"updated_at":  "updated_at",
	"name":        "name",
}

type (
	// BuilderOptions configures a Builder.
	BuilderOptions struct {
		// Schema is the document type queried; defaults to "entity".
		Schema string
		// FieldMap extends/overrides the default planner-field translation.
		FieldMap map[string]string
	}

	// Builder compiles plans into the index query language.
	Builder struct {
		schema   string
		fieldMap map[string]string
	}
)

// NewBuilder constructs a Builder.
func NewBuilder(opts BuilderOptions) *Builder {
	schema := opts.Schema
	if schema == "" {
		schema = "entity"
	}
	fm := make(map[string]string, len(defaultFieldMap)+len(opts.FieldMap))
	for k, v := range defaultFieldMap {
		fm[k] = v
	}
	for k, v := range opts.FieldMap {
		fm[k] = v
	}
	return &Builder{schema: schema, fieldMap: fm}
}

// Build compiles a validated plan plus its embeddings into a query. dense
// carries one vector per query variation for semantic/hybrid strategies;
// sparse carries the hashed term tensor for keyword/hybrid.
func (b *Builder) Build(plan *Plan, dense [][]float32, sparse map[uint32]float32, collectionID uuid.UUID, principals []string) (*CompiledQuery, error) {
	rerank := RerankCount(plan.Limit, plan.Offset)
	params := map[string]any{}

	var clauses []string
	clauses = append(clauses, fmt.Sprintf("collection_id contains %s", yqlString(collectionID.String())))

	retrieval, err := b.retrievalClause(plan, dense, rerank, params)
	if err != nil {
		return nil, err
	}
	clauses = append(clauses, retrieval)

	if f := b.filterClause(plan.FilterGroups); f != "" {
		clauses = append(clauses, f)
	}
	clauses = append(clauses, accessClause(principals))

	if len(sparse) > 0 && plan.Strategy != StrategySemantic {
		params["input.query(sparse)"] = sparseTensor(sparse)
	}

	var profile string
	switch plan.Strategy {
	case StrategySemantic:
		profile = ProfileSemanticOnly
	case StrategyKeyword:
		profile = ProfileKeywordOnly
	default:
		profile = ProfileHybridRRF
	}

	yql := fmt.Sprintf("select * from %s where %s", b.schema, strings.Join(wrapAll(clauses), " and "))
	return &CompiledQuery{
		YQL:         yql,
		Params:      params,
		Profile:     profile,
		Hits:        plan.Limit,
		Offset:      plan.Offset,
		RerankCount: rerank,
	}, nil
}

// retrievalClause emits the nearest-neighbor and/or weak-AND text clause and
// registers the query parameters they reference.
func (b *Builder) retrievalClause(plan *Plan, dense [][]float32, targetHits int, params map[string]any) (string, error) {
	var parts []string

	if plan.Strategy == StrategySemantic || plan.Strategy == StrategyHybrid {
		if len(dense) != len(plan.Queries) {
			return "", fmt.Errorf("got %d dense vectors for %d query variations", len(dense), len(plan.Queries))
		}
		for i, vec := range dense {
			key := fmt.Sprintf("q%d", i)
			parts = append(parts, fmt.Sprintf("({targetHits:%d}nearestNeighbor(embedding, %s))", targetHits, key))
			params[fmt.Sprintf("input.query(%s)", key)] = vec
		}
	}
	if plan.Strategy == StrategyKeyword || plan.Strategy == StrategyHybrid {
		parts = append(parts, `({defaultIndex:"text"}userInput(@userInput))`)
		params["userInput"] = plan.Queries[0]
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("strategy %q produced no retrieval clause", plan.Strategy)
	}
	return strings.Join(parts, " or "), nil
}

// filterClause renders the OR-of-AND-groups user filter.
func (b *Builder) filterClause(groups []FilterGroup) string {
	var ors []string
	for _, g := range groups {
		var ands []string
		for _, p := range g.Predicates {
			ands = append(ands, b.predicate(p))
		}
		if len(ands) > 0 {
			ors = append(ors, "("+strings.Join(ands, " and ")+")")
		}
	}
	if len(ors) == 0 {
		return ""
	}
	return strings.Join(ors, " or ")
}

func (b *Builder) predicate(p Predicate) string {
	field := p.Field
	if mapped, ok := b.fieldMap[field]; ok {
		field = mapped
	}
	switch p.Operator {
	case OpEq:
		return fmt.Sprintf("%s %s", field, eqValue(p.Value))
	case OpNe:
		return fmt.Sprintf("!(%s %s)", field, eqValue(p.Value))
	case OpGt:
		return fmt.Sprintf("%s > %s", field, yqlValue(p.Value))
	case OpLt:
		return fmt.Sprintf("%s < %s", field, yqlValue(p.Value))
	case OpGe:
		return fmt.Sprintf("%s >= %s", field, yqlValue(p.Value))
	case OpLe:
		return fmt.Sprintf("%s <= %s", field, yqlValue(p.Value))
	case OpContains:
		return fmt.Sprintf("%s contains %s", field, yqlValue(p.Value))
	case OpIn:
		return fmt.Sprintf("%s in (%s)", field, yqlList(p.Value))
	case OpNotIn:
		return fmt.Sprintf("!(%s in (%s))", field, yqlList(p.Value))
	default:
		// Validate() rejects unknown operators before Build runs.
		return "false"
	}
}

// accessClause builds the mandatory visibility filter.
func accessClause(principals []string) string {
	parts := []string{"access_is_public = true"}
	for _, p := range principals {
		parts = append(parts, fmt.Sprintf("access_viewers contains %s", yqlString(p)))
	}
	return strings.Join(parts, " or ")
}

// eqValue renders equality: string attributes match with contains, scalars
// with =.
func eqValue(v any) string {
	if s, ok := v.(string); ok {
		return "contains " + yqlString(s)
	}
	return "= " + yqlValue(v)
}

func yqlValue(v any) string {
	switch t := v.(type) {
	case string:
		return yqlString(t)
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return yqlString(fmt.Sprint(v))
	}
}

func yqlList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return yqlValue(v)
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = yqlValue(it)
	}
	return strings.Join(out, ", ")
}

func yqlString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// sparseTensor converts the hashed sparse embedding into the mapped-tensor
// literal form the query API accepts.
func sparseTensor(sparse map[uint32]float32) map[string]float64 {
	out := make(map[string]float64, len(sparse))
	for k, w := range sparse {
		out[strconv.FormatUint(uint64(k), 10)] = float64(w)
	}
	return out
}

// DocID is the deterministic document id for one chunk of one entity within
// one sync.
func DocID(syncID uuid.UUID, originalEntityID string, chunkIndex int) string {
	sum := sha1.Sum([]byte(syncID.String() + "/" + originalEntityID + "/" + strconv.Itoa(chunkIndex)))
	return hex.EncodeToString(sum[:])
}

func wrapAll(clauses []string) []string {
	out := make([]string, len(clauses))
	for i, c := range clauses {
		out[i] = "(" + c + ")"
	}
	return out
}

// sortedParams returns the parameter keys in stable order, for logs/tests.
func (q *CompiledQuery) sortedParams() []string {
	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
