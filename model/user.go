package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a registered user in the system
type User struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
	Email        string         `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string         `gorm:"not null" json:"-"` // Never expose password in JSON
	Name         string         `gorm:"not null" json:"name"`

	// Token quota accounting. UsedTokens is incremented only after a
	// successful completion; once UsedTokens >= MaxTokens new queries
	// are rejected before any downstream call.
	UsedTokens int `gorm:"default:0" json:"used_tokens"`
	MaxTokens  int `gorm:"default:100000" json:"max_tokens"`

	// Relationships
	ChatSessions []ChatSession `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// BeforeCreate assigns a UUID primary key when none is set
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// QuotaExhausted returns true if the user has no token budget left
func (u *User) QuotaExhausted() bool {
	return u.UsedTokens >= u.MaxTokens
}
