package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChatSession represents a conversation session between a user and the assistant
type ChatSession struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Title     string         `gorm:"type:varchar(255);default:'New conversation'" json:"title"`
	KBID      *uuid.UUID     `gorm:"type:uuid" json:"kb_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Free-form model configuration (temperature, model override, ...)
	ModelConfig datatypes.JSONMap `gorm:"type:jsonb;default:'{}'" json:"model_config,omitempty"`

	// Relationships
	User     User          `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"user,omitempty"`
	Messages []ChatMessage `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName specifies the table name for ChatSession
func (ChatSession) TableName() string {
	return "chat_sessions"
}

// BeforeCreate assigns a UUID primary key when none is set
func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// MaxTitleRunes is the cap applied when deriving a session title from the first query
const MaxTitleRunes = 50

// DeriveTitle builds a session title from the first query of a conversation
func DeriveTitle(query string) string {
	runes := []rune(query)
	if len(runes) > MaxTitleRunes {
		runes = runes[:MaxTitleRunes]
	}
	title := string(runes)
	if title == "" {
		title = "New conversation"
	}
	return title
}
