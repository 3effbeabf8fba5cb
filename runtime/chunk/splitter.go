// Package chunk splits entity text and code into token-budgeted chunks ahead
// of embedding. Text splitting prefers semantic boundaries (paragraphs, then
// sentences); code splitting is AST-aware for Go sources with a hard
// token-boundary fallback as a safety net for every language. Chunks are
// never empty and never exceed the hard token limit; violations are critical
// errors because they indicate a programming bug, not bad input.
package chunk

import (
	"fmt"
	"strings"

	"github.com/airweave/airweave-go/runtime/errs"
)

const (
	// MaxTokensPerChunk is the hard limit (OpenAI-compatible tokens).
	MaxTokensPerChunk = 8192
	// TargetTokensPerChunk is the preferred size.
	TargetTokensPerChunk = 2048
)

type (
	// TokenCounter counts and slices by model tokens. The default is the
	// cl100k_base tiktoken encoding; tests substitute a deterministic fake.
	TokenCounter interface {
		// Count returns the token count of text.
		Count(text string) int
		// Truncate returns the longest prefix of text at most maxTokens long,
		// along with the remainder.
		Truncate(text string, maxTokens int) (head, rest string)
	}

	// Chunk is one split piece with its token count.
	Chunk struct {
		Index      int
		Text       string
		TokenCount int
	}

	// Options configures a Splitter.
	Options struct {
		// Counter is required.
		Counter TokenCounter
		// MaxTokens defaults to MaxTokensPerChunk.
		MaxTokens int
		// TargetTokens defaults to TargetTokensPerChunk.
		TargetTokens int
	}

	// Splitter produces chunks under the configured budgets.
	Splitter struct {
		counter TokenCounter
		max     int
		target  int
	}
)

// New builds a Splitter.
func New(opts Options) (*Splitter, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("chunk: token counter is required")
	}
	max := opts.MaxTokens
	if max <= 0 {
		max = MaxTokensPerChunk
	}
	target := opts.TargetTokens
	if target <= 0 {
		target = TargetTokensPerChunk
	}
	if target > max {
		return nil, fmt.Errorf("chunk: target %d exceeds max %d", target, max)
	}
	return &Splitter{counter: opts.Counter, max: max, target: target}, nil
}

// SplitText splits prose into chunks around the target size, preferring
// paragraph then sentence boundaries, with a token-boundary fallback for
// pathological runs. Empty input is a critical error: the pipeline must not
// send contentless entities here.
func (s *Splitter) SplitText(text string) ([]Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errs.Critical(errs.KindProgramming, "chunker received empty text", nil)
	}
	pieces := s.pack(splitParagraphs(text))
	return s.finish(pieces)
}

// pack greedily accumulates units up to the target size, recursively breaking
// units that alone exceed the target (paragraph -> sentence -> token
// boundary).
func (s *Splitter) pack(units []string) []string {
	var out []string
	var cur strings.Builder
	curTokens := 0
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curTokens = 0
		}
	}
	for _, u := range units {
		n := s.counter.Count(u)
		if n > s.target {
			flush()
			out = append(out, s.breakUnit(u)...)
			continue
		}
		if curTokens+n > s.target {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(u)
		curTokens += n
	}
	flush()
	return out
}

// breakUnit splits one oversize unit on sentence boundaries, falling back to
// hard token slicing when a single sentence still exceeds the target.
func (s *Splitter) breakUnit(u string) []string {
	var out []string
	for _, sent := range splitSentences(u) {
		if s.counter.Count(sent) <= s.target {
			out = append(out, sent)
			continue
		}
		rest := sent
		for rest != "" {
			head, tail := s.counter.Truncate(rest, s.target)
			if head == "" {
				// Counter could not make progress; take the remainder whole
				// and let finish() enforce the hard cap.
				head, tail = rest, ""
			}
			out = append(out, head)
			rest = tail
		}
	}
	return out
}

// finish numbers the chunks and enforces the hard invariants: non-empty text
// and token_count <= max.
func (s *Splitter) finish(pieces []string) ([]Chunk, error) {
	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n := s.counter.Count(p)
		if n > s.max {
			return nil, errs.Critical(errs.KindProgramming,
				fmt.Sprintf("chunk of %d tokens exceeds hard limit %d after fallback split", n, s.max), nil)
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: p, TokenCount: n})
	}
	if len(chunks) == 0 {
		return nil, errs.Critical(errs.KindProgramming, "splitter produced no chunks", nil)
	}
	return chunks, nil
}

func splitParagraphs(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if strings.TrimSpace(p) != "" {
			out = append(out, strings.TrimSpace(p))
		}
	}
	return out
}

// splitSentences performs a cheap sentence split on terminal punctuation
// followed by whitespace. Good enough as a mid-tier boundary between
// paragraphs and raw token slicing.
func splitSentences(text string) []string {
	var out []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes)-1; i++ {
		switch runes[i] {
		case '.', '!', '?', '\n':
			if runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(string(runes[start : i+1]))
				if s != "" {
					out = append(out, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
