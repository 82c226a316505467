package prompt

import (
	"strings"
	"testing"
)

const testModel = "gpt-4"

func TestCountTokensEmpty(t *testing.T) {
	if got := CountTokens("", testModel); got != 0 {
		t.Errorf("expected 0 tokens for empty text, got %d", got)
	}
}

func TestCountTokensNonEmpty(t *testing.T) {
	if got := CountTokens("a", testModel); got < 1 {
		t.Errorf("expected at least 1 token for non-empty text, got %d", got)
	}
}

func TestCountTokensMonotonic(t *testing.T) {
	a := "The quick brown fox jumps over the lazy dog. "
	b := strings.Repeat("Conversation history grows over time. ", 5)

	countA := CountTokens(a, testModel)
	countB := CountTokens(b, testModel)
	countAB := CountTokens(a+b, testModel)

	if countAB < countA || countAB < countB {
		t.Errorf("concatenation shrank token count: a=%d b=%d a+b=%d", countA, countB, countAB)
	}
}

func TestCountMessagesTokensEmptyList(t *testing.T) {
	if got := CountMessagesTokens(nil, testModel); got != 0 {
		t.Errorf("expected 0 tokens for empty message list, got %d", got)
	}
}

func TestCountMessagesTokensIncludesOverhead(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "hello"}}

	content := CountTokens("hello", testModel)
	role := CountTokens("user", testModel)
	want := tokensPerMessage + content + role + tokensReplyPriming

	if got := CountMessagesTokens(msgs, testModel); got != want {
		t.Errorf("expected %d tokens, got %d", want, got)
	}
}

func TestCountMessagesTokensGrowsWithMessages(t *testing.T) {
	one := []Message{{Role: "user", Content: "hello"}}
	two := append(one, Message{Role: "assistant", Content: "hi there"})

	if CountMessagesTokens(two, testModel) <= CountMessagesTokens(one, testModel) {
		t.Error("adding a message did not increase the total token count")
	}
}

func TestCountMessagesTokensEmptyContent(t *testing.T) {
	msgs := []Message{{Role: "assistant", Content: ""}}
	want := tokensPerMessage + CountTokens("assistant", testModel) + tokensReplyPriming
	if got := CountMessagesTokens(msgs, testModel); got != want {
		t.Errorf("expected %d tokens for empty content, got %d", want, got)
	}
}
