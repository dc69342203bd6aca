package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokenizer units of a text. The whole pipeline budgets
// against the same counter so preflight counts stay comparable.
type Counter interface {
	Count(text string) int
}

// Codec extends Counter with truncation for providers that cap input size
// (the embedding model in particular).
type Codec interface {
	Counter
	Truncate(text string, maxTokens int) string
}

// Tiktoken wraps a cl100k_base encoding. Construct once at startup and share
// by reference; the encoding is immutable after load.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

func NewTiktoken() (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens, reconstructing the prefix
// from token ids. Returns the input unchanged when it already fits.
func (t *Tiktoken) Truncate(text string, maxTokens int) string {
	ids := t.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return t.enc.Decode(ids[:maxTokens])
}
