package embed

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashedSparse is a deterministic BM25-style sparse embedder: terms are
// lowercased, hashed into a fixed id space, and weighted by sublinear term
// frequency. The same text always yields the same map, which the hybrid
// ranking profile consumes as a sparse tensor.
type HashedSparse struct {
	// Buckets bounds the hashed id space. Zero uses 1<<20.
	Buckets uint32
}

// EmbedSparse returns hashed term weights for text. Empty text yields nil.
func (h HashedSparse) EmbedSparse(text string) map[uint32]float32 {
	buckets := h.Buckets
	if buckets == 0 {
		buckets = 1 << 20
	}
	counts := make(map[uint32]int)
	for _, term := range tokenizeTerms(text) {
		hasher := fnv.New32a()
		_, _ = hasher.Write([]byte(term))
		counts[hasher.Sum32()%buckets]++
	}
	if len(counts) == 0 {
		return nil
	}
	weights := make(map[uint32]float32, len(counts))
	for id, tf := range counts {
		weights[id] = float32(1 + math.Log(float64(tf)))
	}
	return weights
}

func tokenizeTerms(text string) []string {
	var terms []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 1 { // single-rune terms carry no ranking signal
			terms = append(terms, cur.String())
		}
		cur.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return terms
}
