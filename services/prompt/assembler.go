// Package prompt assembles the token-bounded message list sent to the
// completion service: a rendered system preamble, as many recent history
// rounds as the budget allows, then the current user query.
package prompt

import (
	"errors"
	"fmt"
	"text/template"
)

// ErrBudgetExceeded is returned when the system preamble plus the current
// query alone exceed the token budget. This is a configuration-level
// failure; it cannot be fixed by truncating history.
var ErrBudgetExceeded = errors.New("system prompt and current query exceed the token budget")

// Message is one role/content pair in an assembled prompt
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Assembled is the result of one assembly: the final message list plus
// the statistics the orchestrator records on the assistant message.
type Assembled struct {
	Messages          []Message
	TotalTokens       int
	HistoryRoundsUsed int
	Truncated         bool
}

// Config holds assembler configuration
type Config struct {
	SystemTemplate         *template.Template
	TemplateVars           TemplateVars
	MaxContextTokens       int
	MaxHistoryRounds       int
	ReservedResponseTokens int
	ModelName              string
}

// Assembler renders the system preamble and fits conversation history
// into the context window
type Assembler struct {
	cfg Config
}

// NewAssembler creates an assembler from explicit configuration
func NewAssembler(cfg Config) *Assembler {
	if cfg.SystemTemplate == nil {
		cfg.SystemTemplate = DefaultSystemTemplate
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "gpt-4"
	}
	return &Assembler{cfg: cfg}
}

// Assemble builds the final message list for one turn.
//
// History selection is most-recent-first with a stop at the first round
// that does not fit: recency is preserved deterministically and no holes
// are punched into conversational continuity by skipping ahead to an
// older, smaller round.
func (a *Assembler) Assemble(history []Message, currentQuery string) (*Assembled, error) {
	tokenBudget := a.cfg.MaxContextTokens - a.cfg.ReservedResponseTokens

	systemContent, err := RenderSystemPrompt(a.cfg.SystemTemplate, a.cfg.TemplateVars)
	if err != nil {
		return nil, fmt.Errorf("failed to render system prompt: %w", err)
	}

	var baseMessages []Message
	if systemContent != "" {
		baseMessages = append(baseMessages, Message{Role: "system", Content: systemContent})
	}
	userMessage := Message{Role: "user", Content: currentQuery}

	baseTokens := CountMessagesTokens(append(append([]Message{}, baseMessages...), userMessage), a.cfg.ModelName)
	if baseTokens > tokenBudget {
		return nil, fmt.Errorf("%w: base=%d budget=%d", ErrBudgetExceeded, baseTokens, tokenBudget)
	}

	rounds := groupIntoRounds(history)

	truncated := false
	if a.cfg.MaxHistoryRounds > 0 && len(rounds) > a.cfg.MaxHistoryRounds {
		rounds = rounds[len(rounds)-a.cfg.MaxHistoryRounds:]
		truncated = true
	}

	// Walk rounds newest to oldest, stop at the first round that does not fit
	remaining := tokenBudget - baseTokens
	var selected [][]Message
	for i := len(rounds) - 1; i >= 0; i-- {
		roundTokens := CountMessagesTokens(rounds[i], a.cfg.ModelName)
		if roundTokens > remaining {
			truncated = true
			break
		}
		selected = append([][]Message{rounds[i]}, selected...)
		remaining -= roundTokens
	}

	final := append([]Message{}, baseMessages...)
	for _, round := range selected {
		final = append(final, round...)
	}
	final = append(final, userMessage)

	return &Assembled{
		Messages:          final,
		TotalTokens:       CountMessagesTokens(final, a.cfg.ModelName),
		HistoryRoundsUsed: len(selected),
		Truncated:         truncated,
	}, nil
}

// groupIntoRounds groups flat history into conversation rounds. A round
// is a maximal contiguous run of messages starting at a user message;
// system messages in raw history are dropped (the assembler injects its
// own preamble).
func groupIntoRounds(history []Message) [][]Message {
	if len(history) == 0 {
		return nil
	}

	var rounds [][]Message
	var current []Message

	for _, msg := range history {
		if msg.Role == "system" {
			continue
		}
		if msg.Role == "user" && len(current) > 0 {
			rounds = append(rounds, current)
			current = nil
		}
		current = append(current, msg)
	}

	if len(current) > 0 {
		rounds = append(rounds, current)
	}

	return rounds
}
