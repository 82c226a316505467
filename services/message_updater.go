package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
)

// MessageUpdater drives the assistant message lifecycle. All writes go
// through UpdateMessageStatus, which enforces forward-only transitions.
type MessageUpdater struct {
	store ChatStore
}

// NewMessageUpdater creates a message updater over the given store
func NewMessageUpdater(store ChatStore) *MessageUpdater {
	return &MessageUpdater{store: store}
}

// MarkStreaming moves a message into the streaming state with the
// content accumulated so far
func (u *MessageUpdater) MarkStreaming(ctx context.Context, messageID uuid.UUID, content string) (*model.ChatMessage, error) {
	return u.store.UpdateMessageStatus(ctx, MessageUpdate{
		MessageID: messageID,
		Status:    model.MessageStatusStreaming,
		Content:   content,
	})
}

// MarkSuccess finalizes a message with its content, latency and token
// counts
func (u *MessageUpdater) MarkSuccess(ctx context.Context, messageID uuid.UUID, content string, latencyMs, tokensInput, tokensOutput int) (*model.ChatMessage, error) {
	return u.store.UpdateMessageStatus(ctx, MessageUpdate{
		MessageID:    messageID,
		Status:       model.MessageStatusSuccess,
		Content:      content,
		LatencyMs:    &latencyMs,
		TokensInput:  tokensInput,
		TokensOutput: tokensOutput,
	})
}

// MarkFailed terminates a message with a caller-facing error string.
// No token accounting happens on failure.
func (u *MessageUpdater) MarkFailed(ctx context.Context, messageID uuid.UUID, errorMessage string, latencyMs int) (*model.ChatMessage, error) {
	return u.store.UpdateMessageStatus(ctx, MessageUpdate{
		MessageID: messageID,
		Status:    model.MessageStatusFailed,
		Content:   errorMessage,
		LatencyMs: &latencyMs,
	})
}
