package auth

import (
	"time"

	"github.com/obsidianmentor/mentor-api/utils/auth"
	"github.com/obsidianmentor/mentor-api/utils/validation"
	"gorm.io/gorm"
)

// AuthHandler handles authentication requests
type AuthHandler struct {
	db         *gorm.DB
	jwtManager *auth.JWTManager
	validator  *validation.Validator
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(db *gorm.DB, jwtManager *auth.JWTManager) *AuthHandler {
	return &AuthHandler{
		db:         db,
		jwtManager: jwtManager,
		validator:  validation.NewValidator(),
	}
}

// UserResponse is the public view of a user
type UserResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	UsedTokens int       `json:"used_tokens"`
	MaxTokens  int       `json:"max_tokens"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
