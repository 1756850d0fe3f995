// Package tokens provides model-aware token counting built on tiktoken.
//
// The chunker uses it to cut course material into token-bounded windows, the
// chat service to keep prompts within the context budget, and the session
// manager to trim cached history.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/lumora-ai/lumora/pkg/types"
)

// Counter counts tokens for a specific model's encoding. Safe for concurrent
// use.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	// Encodings are expensive to initialise, so they are cached per model.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewCounter creates a Counter for the given model. Unknown models fall back
// to the cl100k_base encoding, which approximates well enough for budget
// enforcement across providers.
func NewCounter(model string) (*Counter, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Counter{encoding: enc, model: model}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("tokens: get encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &Counter{encoding: enc, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Encode returns the token IDs for text. The chunker uses the IDs directly to
// place window boundaries at exact token offsets.
func (c *Counter) Encode(text string) []int {
	return c.encoding.Encode(text, nil, nil)
}

// Decode converts token IDs back into text.
func (c *Counter) Decode(ids []int) string {
	return c.encoding.Decode(ids)
}

// CountMessages counts tokens in a message list including per-message role
// overhead, following OpenAI's chat token accounting.
func (c *Counter) CountMessages(messages []types.Message) int {
	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(string(msg.Role), nil, nil))
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}
	// Every reply is primed with <|start|>assistant<|message|>.
	total += 3
	return total
}

// FitWithinLimit returns the suffix of messages that fits within maxTokens,
// preferring the most recent. The returned slice preserves order.
func (c *Counter) FitWithinLimit(messages []types.Message, maxTokens int) []types.Message {
	if len(messages) == 0 {
		return messages
	}

	current := 3 // reply priming
	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := c.CountMessages(messages[i : i+1])
		if current+msgTokens > maxTokens {
			break
		}
		current += msgTokens
		cut = i
	}
	return messages[cut:]
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string { return c.model }

// Estimate gives a rough token count (~4 chars per token) for callers that
// cannot afford a Counter, such as log sampling.
func Estimate(text string) int {
	return len(text) / 4
}
