package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/model"
	"gorm.io/gorm"
)

// ChatStore is the narrow persistence gateway the orchestration engine
// consumes. The GORM implementation below is the production one; tests
// substitute an in-memory fake.
type ChatStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*model.User, error)
	IncrementUsedTokens(ctx context.Context, userID uuid.UUID, amount int) error

	GetSession(ctx context.Context, id uuid.UUID) (*model.ChatSession, error)
	CreateSession(ctx context.Context, session *model.ChatSession) error
	ListSessions(ctx context.Context, userID uuid.UUID, skip, limit int) ([]model.ChatSession, error)
	TouchSession(ctx context.Context, id uuid.UUID) error

	CreateMessage(ctx context.Context, message *model.ChatMessage) error
	ListMessages(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]model.ChatMessage, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error)
	GetMessageByClientRequestID(ctx context.Context, clientRequestID string) (*model.ChatMessage, error)
	UpdateMessageStatus(ctx context.Context, update MessageUpdate) (*model.ChatMessage, error)
}

// MessageUpdate describes one state-machine transition on a message
type MessageUpdate struct {
	MessageID    uuid.UUID
	Status       model.MessageStatus
	Content      string
	LatencyMs    *int
	TokensInput  int
	TokensOutput int
}

// GormChatStore implements ChatStore on PostgreSQL via GORM
type GormChatStore struct {
	db *gorm.DB
}

// NewGormChatStore creates the production store gateway
func NewGormChatStore(db *gorm.DB) *GormChatStore {
	return &GormChatStore{db: db}
}

// GetUser fetches a user by ID
func (s *GormChatStore) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// IncrementUsedTokens atomically adds amount to the user's used_tokens
func (s *GormChatStore) IncrementUsedTokens(ctx context.Context, userID uuid.UUID, amount int) error {
	return s.db.WithContext(ctx).Model(&model.User{}).
		Where("id = ?", userID).
		UpdateColumn("used_tokens", gorm.Expr("used_tokens + ?", amount)).Error
}

// GetSession fetches a session by ID, nil when not found
func (s *GormChatStore) GetSession(ctx context.Context, id uuid.UUID) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

// CreateSession persists a new session
func (s *GormChatStore) CreateSession(ctx context.Context, session *model.ChatSession) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// ListSessions returns a user's sessions, most recently updated first
func (s *GormChatStore) ListSessions(ctx context.Context, userID uuid.UUID, skip, limit int) ([]model.ChatSession, error) {
	var sessions []model.ChatSession
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(skip).
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// TouchSession bumps a session's updated_at. Concurrent turns in the same
// session race here; last-writer-wins on this non-critical metadata.
func (s *GormChatStore) TouchSession(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", gorm.Expr("NOW()")).Error
}

// CreateMessage persists a new message
func (s *GormChatStore) CreateMessage(ctx context.Context, message *model.ChatMessage) error {
	return s.db.WithContext(ctx).Create(message).Error
}

// ListMessages returns a session's messages in chronological order
func (s *GormChatStore) ListMessages(ctx context.Context, sessionID uuid.UUID, skip, limit int) ([]model.ChatMessage, error) {
	var messages []model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Offset(skip).
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// GetMessage fetches a message by ID, nil when not found
func (s *GormChatStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.ChatMessage, error) {
	var message model.ChatMessage
	if err := s.db.WithContext(ctx).First(&message, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageByClientRequestID resolves an idempotency correlation ID to
// its message, nil when unknown
func (s *GormChatStore) GetMessageByClientRequestID(ctx context.Context, clientRequestID string) (*model.ChatMessage, error) {
	var message model.ChatMessage
	err := s.db.WithContext(ctx).
		Where("client_request_id = ?", clientRequestID).
		First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &message, nil
}

// UpdateMessageStatus applies one state-machine transition inside a
// transaction, re-reading the current status so a message can never
// leave a terminal state or move backwards.
func (s *GormChatStore) UpdateMessageStatus(ctx context.Context, update MessageUpdate) (*model.ChatMessage, error) {
	var message model.ChatMessage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&message, "id = ?", update.MessageID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMessageNotFound
			}
			return err
		}

		if !message.Status.CanTransitionTo(update.Status) {
			return ErrInvalidTransition
		}

		updates := map[string]interface{}{
			"status":  update.Status,
			"content": update.Content,
		}
		if update.LatencyMs != nil {
			updates["latency_ms"] = *update.LatencyMs
		}
		if update.TokensInput > 0 {
			updates["tokens_input"] = update.TokensInput
		}
		if update.TokensOutput > 0 {
			updates["tokens_output"] = update.TokensOutput
		}

		if err := tx.Model(&message).Updates(updates).Error; err != nil {
			return err
		}

		message.Status = update.Status
		message.Content = update.Content
		if update.LatencyMs != nil {
			message.LatencyMs = update.LatencyMs
		}
		if update.TokensInput > 0 {
			message.TokensInput = update.TokensInput
		}
		if update.TokensOutput > 0 {
			message.TokensOutput = update.TokensOutput
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return &message, nil
}
