// Package tokenizer wraps the tiktoken BPE vocabularies behind a small
// counting interface. Token counts produced here are the unit of account
// for the conversation window budget, so every component that counts
// text must go through the same Counter instance.
package tokenizer

import (
	"fmt"

	tiktoken "github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) (int, error)
}

// Tiktoken is a Counter backed by a tiktoken codec.
type Tiktoken struct {
	codec tiktoken.Codec
}

// ForModel returns a Counter matching the given model name. Unknown
// models fall back to cl100k_base so the bot still runs against
// OpenAI-compatible gateways serving models tiktoken has never heard of.
func ForModel(model string) (*Tiktoken, error) {
	codec, err := tiktoken.ForModel(tiktoken.Model(model))
	if err != nil {
		codec, err = tiktoken.Get(tiktoken.Cl100kBase)
		if err != nil {
			return nil, fmt.Errorf("fallback tokenizer: %w", err)
		}
	}
	return &Tiktoken{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	toks, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encode text: %w", err)
	}
	return len(toks), nil
}
