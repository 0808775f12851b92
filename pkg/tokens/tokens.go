// Package tokens provides token counting for budget decisions.
//
// Two modes coexist: Estimate is the cheap len/4 heuristic used on hot paths
// (history assembly, repo map budgeting), and Counter wraps a real tokenizer
// for the places where accuracy matters and a model id is known (chunk and
// context-entry estimates).
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimate approximates the token count of text as max(1, len/4).
func Estimate(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Counter counts tokens with the encoding of a specific model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for the given model, falling back to the
// cl100k_base encoding for models the tokenizer does not know.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model id this counter encodes for.
func (c *Counter) Model() string {
	return c.model
}
