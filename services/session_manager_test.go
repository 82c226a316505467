package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
)

func TestHistorySkipsEmptyPlaceholders(t *testing.T) {
	store := newFakeStore()
	sessions := NewSessionManager(store)
	ctx := context.Background()

	session := &model.ChatSession{UserID: uuid.New(), Title: "history"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	if _, err := sessions.CreateUserMessage(ctx, session.ID, "question"); err != nil {
		t.Fatal(err)
	}

	// A placeholder stranded by a turn that never finished
	stranded, err := sessions.CreateAssistantPlaceholder(ctx, session.ID, nil)
	if err != nil {
		t.Fatal(err)
	}

	answer := &model.ChatMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleAssistant,
		Content:   "answer",
		Status:    model.MessageStatusSuccess,
	}
	if err := store.CreateMessage(ctx, answer); err != nil {
		t.Fatal(err)
	}

	history, err := sessions.History(ctx, session.ID, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(history) != 2 {
		t.Fatalf("expected 2 messages in history, got %d", len(history))
	}
	for _, msg := range history {
		if msg.ID == stranded.ID {
			t.Error("unfinished placeholders must not appear in history")
		}
		if msg.Content == "" {
			t.Error("history must not contain empty-content messages")
		}
	}
}

func TestHistoryExcludesCurrentTurnRecords(t *testing.T) {
	store := newFakeStore()
	sessions := NewSessionManager(store)
	ctx := context.Background()

	session := &model.ChatSession{UserID: uuid.New(), Title: "history"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	prior := &model.ChatMessage{
		SessionID: session.ID,
		Role:      model.MessageRoleAssistant,
		Content:   "earlier answer",
		Status:    model.MessageStatusSuccess,
	}
	if err := store.CreateMessage(ctx, prior); err != nil {
		t.Fatal(err)
	}

	current, err := sessions.CreateUserMessage(ctx, session.ID, "new question")
	if err != nil {
		t.Fatal(err)
	}

	history, err := sessions.History(ctx, session.ID, 100, current.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(history) != 1 || history[0].ID != prior.ID {
		t.Fatalf("expected only the prior answer in history, got %d messages", len(history))
	}
}
