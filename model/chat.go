package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageRole represents the role of the message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// MessageStatus represents the lifecycle state of a message.
//
// State machine: thinking -> streaming -> success | failed.
// The blocking call path may skip streaming. success and failed are
// terminal; no transition out of a terminal state is permitted.
type MessageStatus string

const (
	MessageStatusThinking  MessageStatus = "thinking"  // Assistant message created, no content yet
	MessageStatusStreaming MessageStatus = "streaming" // Content is being appended incrementally
	MessageStatusSuccess   MessageStatus = "success"   // Content finalized, latency and tokens recorded
	MessageStatusFailed    MessageStatus = "failed"    // Caller-facing error stored as content
)

// IsTerminal returns true for states with no outgoing transitions
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSuccess || s == MessageStatusFailed
}

// CanTransitionTo reports whether the state machine allows moving to next.
// Status only ever advances forward; it never regresses.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case MessageStatusThinking:
		return next == MessageStatusStreaming || next == MessageStatusSuccess || next == MessageStatusFailed
	case MessageStatusStreaming:
		// Repeated streaming updates are allowed while content accumulates
		return next == MessageStatusStreaming || next == MessageStatusSuccess || next == MessageStatusFailed
	}
	return false
}

// ChatMessage represents a single message in a chat conversation.
// A user message is created already in success state. An assistant message
// is created in thinking state and mutated in place as the turn progresses;
// it is never recreated, only transitioned.
type ChatMessage struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID uuid.UUID      `gorm:"type:uuid;not null;index:idx_msgs_session_created" json:"session_id"`
	Role      MessageRole    `gorm:"type:varchar(20);not null" json:"role"`
	Content   string         `gorm:"type:text" json:"content"`
	Status    MessageStatus  `gorm:"type:varchar(20);default:'thinking'" json:"status"`
	CreatedAt time.Time      `gorm:"index:idx_msgs_session_created" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Performance audit, set once the message reaches a terminal state
	LatencyMs    *int `json:"latency_ms,omitempty"`
	TokensInput  int  `gorm:"default:0" json:"tokens_input"`
	TokensOutput int  `gorm:"default:0" json:"tokens_output"`

	// Client-supplied request identifier for idempotency correlation
	ClientRequestID *string `gorm:"type:varchar(100);index" json:"client_request_id,omitempty"`

	// Relationships
	Session ChatSession `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"session,omitempty"`
}

// TableName specifies the table name for ChatMessage
func (ChatMessage) TableName() string {
	return "chat_messages"
}

// BeforeCreate assigns a UUID primary key when none is set
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
