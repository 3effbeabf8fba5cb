package chunk

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/airweave-go/runtime/errs"
)

// wordCounter treats each whitespace-separated word as one token, keeping
// tests hermetic (no BPE download) and boundaries easy to reason about.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func (wordCounter) Truncate(text string, maxTokens int) (string, string) {
	words := strings.Fields(text)
	if len(words) <= maxTokens {
		return text, ""
	}
	return strings.Join(words[:maxTokens], " "), strings.Join(words[maxTokens:], " ")
}

func newTestSplitter(t *testing.T, target, max int) *Splitter {
	t.Helper()
	s, err := New(Options{Counter: wordCounter{}, TargetTokens: target, MaxTokens: max})
	require.NoError(t, err)
	return s
}

func TestSplitTextSingleChunk(t *testing.T) {
	s := newTestSplitter(t, 10, 20)
	chunks, err := s.SplitText("a short paragraph")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 3, chunks[0].TokenCount)
}

func TestSplitTextPrefersParagraphBoundaries(t *testing.T) {
	s := newTestSplitter(t, 6, 20)
	text := "one two three four five\n\nsix seven eight nine ten\n\neleven twelve"
	chunks, err := s.SplitText(text)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "one two three four five", chunks[0].Text)
	assert.Equal(t, "six seven eight nine ten", chunks[1].Text)
}

func TestSplitTextFallsBackToTokenBoundary(t *testing.T) {
	s := newTestSplitter(t, 4, 8)
	// A single "sentence" of 11 words with no punctuation forces the hard
	// token fallback.
	text := strings.Repeat("w ", 11)
	chunks, err := s.SplitText(text)
	require.NoError(t, err)
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, 8)
		assert.NotEmpty(t, c.Text)
	}
}

func TestSplitTextEmptyIsCritical(t *testing.T) {
	s := newTestSplitter(t, 4, 8)
	_, err := s.SplitText("   \n ")
	require.Error(t, err)
	assert.Equal(t, errs.SeverityCritical, errs.SeverityOf(err))
}

func TestSplitCodeGoDeclBoundaries(t *testing.T) {
	s := newTestSplitter(t, 12, 64)
	code := `package demo

import "fmt"

func A() { fmt.Println("a") }

func B() { fmt.Println("b") }

type C struct{ X int }
`
	chunks, err := s.SplitCode("demo.go", code)
	require.NoError(t, err)
	joined := ""
	for _, c := range chunks {
		joined += c.Text + "\n"
	}
	assert.Contains(t, joined, "func A()")
	assert.Contains(t, joined, "type C struct")
}

func TestSplitCodeNonGoFallsBack(t *testing.T) {
	s := newTestSplitter(t, 6, 32)
	code := "def a():\n    pass\n\ndef b():\n    pass"
	chunks, err := s.SplitCode("demo.py", code)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
}

func TestChunkInvariantsProperty(t *testing.T) {
	s := newTestSplitter(t, 8, 16)
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every chunk is non-empty and under the hard cap", prop.ForAll(
		func(words []string) bool {
			var clean []string
			for _, w := range words {
				if strings.TrimSpace(w) != "" {
					clean = append(clean, strings.TrimSpace(w))
				}
			}
			if len(clean) == 0 {
				return true
			}
			chunks, err := s.SplitText(strings.Join(clean, " "))
			if err != nil {
				return false
			}
			for _, c := range chunks {
				if c.TokenCount > 16 || strings.TrimSpace(c.Text) == "" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.RegexMatch(`[a-z]{1,12}`)),
	))

	properties.TestingRun(t)
}
