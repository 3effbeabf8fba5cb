package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens with a tiktoken BPE encoding. The default
// encoding is cl100k_base, matching the default embedding model's tokenizer.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding ("cl100k_base" when empty).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("chunk: load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// Truncate slices text at the maxTokens boundary, decoding the two halves
// back to strings.
func (c *TiktokenCounter) Truncate(text string, maxTokens int) (string, string) {
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text, ""
	}
	return c.enc.Decode(ids[:maxTokens]), c.enc.Decode(ids[maxTokens:])
}
