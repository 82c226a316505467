package auth

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/obsidianmentor/mentor-api/model"
	"github.com/obsidianmentor/mentor-api/utils/auth"
	"github.com/obsidianmentor/mentor-api/utils/response"
	"github.com/obsidianmentor/mentor-api/utils/validation"
	"gorm.io/gorm"
)

// RegisterRequest represents a user registration request
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
	Name     string `json:"name" validate:"required,min=1,max=255"`
}

// RegisterResponse represents a successful registration response
type RegisterResponse struct {
	User        UserResponse `json:"user"`
	AccessToken string       `json:"access_token"`
	ExpiresIn   int          `json:"expires_in"` // in seconds
}

// Register handles user registration
func (h *AuthHandler) Register(c *fiber.Ctx) error {
	var req RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	req.Name = validation.SanitizeString(req.Name)

	// Reject duplicate emails before hashing
	var existing model.User
	err := h.db.Where("email = ?", req.Email).First(&existing).Error
	if err == nil {
		return response.Conflict(c, "An account with this email already exists")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return response.InternalServerError(c, "Failed to check existing account")
	}

	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return response.InternalServerError(c, "Failed to process password")
	}

	user := model.User{
		Email:        req.Email,
		PasswordHash: passwordHash,
		Name:         req.Name,
	}
	if err := h.db.Create(&user).Error; err != nil {
		return response.InternalServerError(c, "Failed to create account")
	}

	accessToken, err := h.jwtManager.GenerateAccessToken(user.ID, user.Email)
	if err != nil {
		return response.InternalServerError(c, "Failed to generate access token")
	}

	return response.Created(c, RegisterResponse{
		User: UserResponse{
			ID:         user.ID.String(),
			Email:      user.Email,
			Name:       user.Name,
			UsedTokens: user.UsedTokens,
			MaxTokens:  user.MaxTokens,
			CreatedAt:  user.CreatedAt,
			UpdatedAt:  user.UpdatedAt,
		},
		AccessToken: accessToken,
		ExpiresIn:   24 * 60 * 60,
	})
}
