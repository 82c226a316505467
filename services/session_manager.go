package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
)

// SessionManager resolves and lists conversation sessions and creates
// the per-turn message records.
type SessionManager struct {
	store ChatStore
}

// NewSessionManager creates a session manager over the given store
func NewSessionManager(store ChatStore) *SessionManager {
	return &SessionManager{store: store}
}

// EnsureSession resolves an existing session or creates a new one. When
// sessionID is supplied the session must exist and belong to userID;
// a mismatch is rejected, never transferred. When absent, a new session
// is created with a title derived from the query.
func (m *SessionManager) EnsureSession(ctx context.Context, userID uuid.UUID, sessionID *uuid.UUID, query string, kbID *uuid.UUID) (*model.ChatSession, error) {
	if sessionID != nil {
		session, err := m.store.GetSession(ctx, *sessionID)
		if err != nil {
			return nil, err
		}
		if session == nil {
			return nil, ErrSessionNotFound
		}
		if session.UserID != userID {
			return nil, ErrSessionForbidden
		}
		return session, nil
	}

	session := &model.ChatSession{
		UserID: userID,
		Title:  model.DeriveTitle(query),
		KBID:   kbID,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// CreateUserMessage persists the inbound query. User messages are born
// terminal; there is no lifecycle to run for them.
func (m *SessionManager) CreateUserMessage(ctx context.Context, sessionID uuid.UUID, content string) (*model.ChatMessage, error) {
	zero := 0
	message := &model.ChatMessage{
		SessionID: sessionID,
		Role:      model.MessageRoleUser,
		Content:   content,
		Status:    model.MessageStatusSuccess,
		LatencyMs: &zero,
	}
	if err := m.store.CreateMessage(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

// CreateAssistantPlaceholder creates the single assistant message for
// this turn in the thinking state. The record is mutated in place as
// the workflow progresses, never recreated. The client request ID is
// indexed on this record so replays can find the answer even after the
// cached idempotency record expires.
func (m *SessionManager) CreateAssistantPlaceholder(ctx context.Context, sessionID uuid.UUID, clientRequestID *string) (*model.ChatMessage, error) {
	message := &model.ChatMessage{
		SessionID:       sessionID,
		Role:            model.MessageRoleAssistant,
		Content:         "",
		Status:          model.MessageStatusThinking,
		ClientRequestID: clientRequestID,
	}
	if err := m.store.CreateMessage(ctx, message); err != nil {
		return nil, err
	}
	return message, nil
}

// History returns the session's messages in chronological order,
// excluding the current turn's own records (the placeholder assistant
// message and the just-persisted user query). Empty-content messages
// are also skipped; they are placeholders left behind by turns that
// never finished and carry no conversational signal.
func (m *SessionManager) History(ctx context.Context, sessionID uuid.UUID, limit int, excludeIDs ...uuid.UUID) ([]model.ChatMessage, error) {
	messages, err := m.store.ListMessages(ctx, sessionID, 0, limit)
	if err != nil {
		return nil, err
	}
	excluded := make(map[uuid.UUID]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		excluded[id] = struct{}{}
	}
	history := make([]model.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		if _, skip := excluded[msg.ID]; skip {
			continue
		}
		if msg.Content == "" {
			continue
		}
		history = append(history, msg)
	}
	return history, nil
}

// ListSessions returns a page of the user's sessions
func (m *SessionManager) ListSessions(ctx context.Context, userID uuid.UUID, skip, limit int) ([]model.ChatSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if skip < 0 {
		skip = 0
	}
	return m.store.ListSessions(ctx, userID, skip, limit)
}

// GetSessionWithMessages returns a session (ownership enforced) and a
// page of its messages
func (m *SessionManager) GetSessionWithMessages(ctx context.Context, userID, sessionID uuid.UUID, skip, limit int) (*model.ChatSession, []model.ChatMessage, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, ErrSessionNotFound
	}
	if session.UserID != userID {
		return nil, nil, ErrSessionForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if skip < 0 {
		skip = 0
	}
	messages, err := m.store.ListMessages(ctx, sessionID, skip, limit)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}
