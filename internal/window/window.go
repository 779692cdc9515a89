// Package window decides which slice of a conversation is sent to the
// LLM. A Selector holds an immutable system prompt and token budget;
// Select keeps the newest contiguous run of history that still fits
// under the budget together with the system prompt and the incoming
// message. Older messages are dropped wholesale, never truncated.
package window

import (
	"errors"
	"fmt"

	"github.com/ddanshin/marvin/internal/history"
	"github.com/ddanshin/marvin/internal/tokenizer"
)

var (
	// ErrInvalidBudget reports a non-positive token budget.
	ErrInvalidBudget = errors.New("token budget must be positive")
	// ErrInvalidMessage reports text the tokenizer could not process.
	ErrInvalidMessage = errors.New("message cannot be tokenized")
)

// Prompt is the outcome of a selection: the messages to send, in order,
// and the total token count they occupy. Used can exceed the budget
// only when even the system prompt plus the new message alone do.
type Prompt struct {
	Messages []history.Message
	Used     int
}

// Selector computes conversation windows under a fixed token budget.
// It is safe for concurrent use as long as the Counter is.
type Selector struct {
	counter      tokenizer.Counter
	systemPrompt string
	systemTokens int
	budget       int
}

// New builds a Selector. The system prompt is tokenized once here and
// its cost reused for every selection.
func New(counter tokenizer.Counter, systemPrompt string, budget int) (*Selector, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBudget, budget)
	}
	systemTokens, err := counter.Count(systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: system prompt: %v", ErrInvalidMessage, err)
	}
	return &Selector{
		counter:      counter,
		systemPrompt: systemPrompt,
		systemTokens: systemTokens,
		budget:       budget,
	}, nil
}

// Budget returns the configured token ceiling.
func (s *Selector) Budget() int {
	return s.budget
}

// Select walks conv from newest to oldest, keeping each message whose
// stored token count still fits next to the system prompt and newText.
// The walk stops at the first message that does not fit, so the kept
// history is always a contiguous suffix. The result is system prompt
// first, then the suffix in chronological order, then newText as a
// user message.
//
// When the system prompt and newText alone exceed the budget, Select
// does not refuse: it returns exactly that pair and reports the
// overrun in Used, leaving the downstream API to accept or reject it.
func (s *Selector) Select(conv []history.Message, newText string) (Prompt, error) {
	newTokens, err := s.counter.Count(newText)
	if err != nil {
		return Prompt{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	used := s.systemTokens + newTokens
	cut := len(conv)
	if used <= s.budget {
		for i := len(conv) - 1; i >= 0; i-- {
			if used+conv[i].TokenCount > s.budget {
				break
			}
			used += conv[i].TokenCount
			cut = i
		}
	}

	kept := conv[cut:]
	out := make([]history.Message, 0, len(kept)+2)
	out = append(out, history.Message{
		Role:       history.RoleSystem,
		Content:    s.systemPrompt,
		TokenCount: s.systemTokens,
	})
	out = append(out, kept...)
	out = append(out, history.Message{
		Role:       history.RoleUser,
		Content:    newText,
		TokenCount: newTokens,
	})
	return Prompt{Messages: out, Used: used}, nil
}
