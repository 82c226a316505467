package prompt

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Per-message framing overhead and reply priming overhead, mirroring how
// the downstream completion service bills context.
const (
	tokensPerMessage   = 4
	tokensReplyPriming = 2
)

var (
	encodingMu    sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingWarn  sync.Once
)

// getEncoding returns a cached tokenizer for the model, or nil when no
// tokenizer is available (offline environments, unknown models without
// a bundled encoding).
func getEncoding(model string) *tiktoken.Tiktoken {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		encodingWarn.Do(func() {
			log.Printf("tokenizer unavailable for model %q, falling back to character estimate: %v", model, err)
		})
		encodingCache[model] = nil
		return nil
	}

	encodingCache[model] = enc
	return enc
}

// CountTokens counts the tokens of a single text for the given model.
// When no precise tokenizer is available it degrades to a conservative
// character-based estimate (len/3, minimum 1 for non-empty text); the
// fallback may over-count but must never under-count so severely that
// the assembler's budget invariant breaks.
func CountTokens(text, model string) int {
	if text == "" {
		return 0
	}

	if enc := getEncoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}

	n := len(text) / 3
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessagesTokens counts the full cost of a message list: per-message
// content and role plus fixed framing overhead, plus the reply priming
// overhead once per list. Empty lists cost zero.
func CountMessagesTokens(messages []Message, model string) int {
	if len(messages) == 0 {
		return 0
	}

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += CountTokens(msg.Content, model)
		total += CountTokens(msg.Role, model)
	}

	total += tokensReplyPriming
	return total
}
