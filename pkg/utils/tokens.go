// Package utils holds small, dependency-light helpers shared across wave's
// packages. Token counting is the main one: budget tracking needs an actual
// token count, not a guess, whenever the configured model has a known
// tiktoken encoding.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens for one model's encoding.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

// Message is one chat turn for CountMessages/FitWithinLimit.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter returns a counter for model, caching the underlying
// tiktoken encoding across calls since building one is not free. Models
// tiktoken doesn't recognize (the advisory-model roster is mostly
// non-OpenAI: claude, grok) fall back to cl100k_base, which is close
// enough for budget estimation even though it isn't their native tokenizer.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingName := GetEncodingForModel(model)

	cacheMu.RLock()
	cached, exists := encodingCache[encodingName]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load %s encoding for model %q: %w", encodingName, model, err)
	}

	cacheMu.Lock()
	encodingCache[encodingName] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text under tc's encoding.
func (tc *TokenCounter) Count(text string) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	return len(tc.encoding.Encode(text, nil, nil))
}

// CountFields sums Count across several independent text fields (e.g. a
// story's title, description and acceptance criteria) without the
// per-message role overhead CountMessages applies to chat turns.
func (tc *TokenCounter) CountFields(fields ...string) int {
	total := 0
	for _, f := range fields {
		if f == "" {
			continue
		}
		total += tc.Count(f)
	}
	return total
}

// CountMessages counts tokens across a chat history, including the
// per-message role/delimiter overhead OpenAI's cookbook documents:
// https://github.com/openai/openai-cookbook/blob/main/examples/How_to_count_tokens_with_tiktoken.ipynb
func (tc *TokenCounter) CountMessages(messages []Message) int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	const tokensPerMessage = 3 // <|start|>role|message<|end|>

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(tc.encoding.Encode(msg.Role, nil, nil))
		total += len(tc.encoding.Encode(msg.Content, nil, nil))
	}

	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return total
}

// FitWithinLimit returns the most recent suffix of messages whose combined
// CountMessages cost fits within maxTokens, dropping the oldest history
// first the way a sliding context window does.
func (tc *TokenCounter) FitWithinLimit(messages []Message, maxTokens int) []Message {
	if len(messages) == 0 {
		return messages
	}

	fitted := []Message{}
	currentTokens := 3 // reply priming reserve

	for i := len(messages) - 1; i >= 0; i-- {
		msgTokens := tc.CountMessages([]Message{messages[i]})
		if currentTokens+msgTokens > maxTokens {
			break
		}
		fitted = append([]Message{messages[i]}, fitted...)
		currentTokens += msgTokens
	}

	return fitted
}

// EstimateTokensForText counts text if tc is usable, otherwise falls back
// to the package-level character-based estimate.
func (tc *TokenCounter) EstimateTokensForText(text string) int {
	if tc == nil || tc.encoding == nil {
		return EstimateTokens(text)
	}
	return tc.Count(text)
}

// GetModel returns the model name this counter was built for.
func (tc *TokenCounter) GetModel() string {
	return tc.model
}

// EstimateTokens roughly estimates text's token count at four characters
// per token, for call sites that need a number without paying for (or
// without access to) a real encoding.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// modelEncodings maps wave's advisory-model roster, plus the OpenAI
// families tiktoken natively supports, to a tiktoken encoding name.
var modelEncodings = map[string]string{
	"claude-3-opus":   "cl100k_base",
	"claude-3-sonnet": "cl100k_base",
	"claude-3-haiku":  "cl100k_base",
	"claude":          "cl100k_base",
	"grok-3":          "cl100k_base",
	"grok":            "cl100k_base",
	"gpt-4o":          "o200k_base",
	"gpt-4o-mini":     "o200k_base",
	"gpt-4":           "cl100k_base",
	"gpt-4-turbo":     "cl100k_base",
	"gpt-3.5-turbo":   "cl100k_base",
}

// GetEncodingForModel returns the tiktoken encoding name for model,
// matching the longest known prefix and defaulting to cl100k_base for an
// unrecognized one.
func GetEncodingForModel(model string) string {
	if encoding, ok := modelEncodings[model]; ok {
		return encoding
	}

	best := ""
	bestLen := 0
	for prefix, encoding := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = encoding, len(prefix)
		}
	}
	if best != "" {
		return best
	}

	return "cl100k_base"
}
