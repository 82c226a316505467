package chat

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/obsidianmentor/mentor-api/services"
	"github.com/obsidianmentor/mentor-api/services/prompt"
	"github.com/obsidianmentor/mentor-api/utils/middleware"
	"github.com/obsidianmentor/mentor-api/utils/response"
	"github.com/obsidianmentor/mentor-api/utils/validation"
)

// ChatHandler handles chat-related requests
type ChatHandler struct {
	workflow  *services.ChatWorkflow
	sessions  *services.SessionManager
	validator *validation.Validator
}

// NewChatHandler creates a new chat handler
func NewChatHandler(workflow *services.ChatWorkflow, sessions *services.SessionManager) *ChatHandler {
	return &ChatHandler{
		workflow:  workflow,
		sessions:  sessions,
		validator: validation.NewValidator(),
	}
}

// QueryRequest represents one inbound chat query
type QueryRequest struct {
	Query           string  `json:"query" validate:"required,min=1,max=5000"`
	SessionID       *string `json:"session_id" validate:"omitempty,uuid4"`
	KBID            *string `json:"kb_id" validate:"omitempty,uuid4"`
	ClientRequestID *string `json:"client_request_id" validate:"omitempty,max=255"`
}

// AnswerResponse is the finalized assistant message in the blocking response
type AnswerResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Status    string `json:"status"`
	LatencyMs *int   `json:"latency_ms"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// QueryResponse is the blocking-path response body
type QueryResponse struct {
	SessionID    string         `json:"session_id"`
	SessionTitle string         `json:"session_title"`
	Answer       AnswerResponse `json:"answer"`
}

// buildInput converts a parsed request into the workflow input
func (h *ChatHandler) buildInput(c *fiber.Ctx, req *QueryRequest) (*services.QueryInput, error) {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return nil, response.Unauthorized(c, "User not authenticated")
	}

	input := &services.QueryInput{
		UserID:          user.ID,
		Query:           req.Query,
		ClientRequestID: req.ClientRequestID,
	}
	if req.SessionID != nil && *req.SessionID != "" {
		id, err := uuid.Parse(*req.SessionID)
		if err != nil {
			return nil, response.BadRequest(c, "Invalid session_id")
		}
		input.SessionID = &id
	}
	if req.KBID != nil && *req.KBID != "" {
		id, err := uuid.Parse(*req.KBID)
		if err != nil {
			return nil, response.BadRequest(c, "Invalid kb_id")
		}
		input.KBID = &id
	}
	return input, nil
}

// Query handles POST /api/v1/chat/query
func (h *ChatHandler) Query(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ValidationError(c, err)
	}

	input, errResp := h.buildInput(c, &req)
	if input == nil {
		return errResp
	}

	result, err := h.workflow.HandleQuery(c.Context(), input)
	if err != nil {
		return mapWorkflowError(c, err)
	}

	answer := result.Answer
	return response.Success(c, QueryResponse{
		SessionID:    result.SessionID.String(),
		SessionTitle: result.SessionTitle,
		Answer: AnswerResponse{
			ID:        answer.ID.String(),
			Role:      string(answer.Role),
			Content:   answer.Content,
			Status:    string(answer.Status),
			LatencyMs: answer.LatencyMs,
			CreatedAt: answer.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt: answer.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		},
	})
}

// ListSessions handles GET /api/v1/chat/sessions
func (h *ChatHandler) ListSessions(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	skip, _ := strconv.Atoi(c.Query("skip", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	sessions, err := h.sessions.ListSessions(c.Context(), user.ID, skip, limit)
	if err != nil {
		return response.InternalServerError(c, "Failed to fetch sessions")
	}
	return response.Success(c, sessions)
}

// GetSession handles GET /api/v1/chat/sessions/:id
func (h *ChatHandler) GetSession(c *fiber.Ctx) error {
	user, ok := middleware.GetUser(c)
	if !ok || user == nil {
		return response.Unauthorized(c, "User not authenticated")
	}

	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.BadRequest(c, "Invalid session id")
	}

	skip, _ := strconv.Atoi(c.Query("skip", "0"))
	limit, _ := strconv.Atoi(c.Query("limit", "100"))

	session, messages, err := h.sessions.GetSessionWithMessages(c.Context(), user.ID, sessionID, skip, limit)
	if err != nil {
		return mapWorkflowError(c, err)
	}

	return response.Success(c, fiber.Map{
		"session":  session,
		"messages": messages,
	})
}

// mapWorkflowError converts orchestration errors into HTTP responses
func mapWorkflowError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return response.ValidationError(c, err)
	case errors.Is(err, services.ErrSessionNotFound):
		return response.NotFound(c, "Session not found")
	case errors.Is(err, services.ErrSessionForbidden):
		return response.Forbidden(c, "You do not have access to this session")
	case errors.Is(err, services.ErrQuotaExceeded):
		return response.Error(c, fiber.StatusForbidden, "Token quota exhausted", "QUOTA_EXCEEDED")
	case errors.Is(err, prompt.ErrBudgetExceeded):
		return response.Error(c, fiber.StatusRequestEntityTooLarge,
			"Request exceeds the model's context window", "BUDGET_EXCEEDED")
	case errors.Is(err, services.ErrRequestInFlight):
		return response.Conflict(c, "This request is still being processed, retry shortly")
	case errors.Is(err, services.ErrUpstream):
		return response.Error(c, fiber.StatusBadGateway,
			"The assistant failed to generate a response", "UPSTREAM_ERROR")
	default:
		return response.InternalServerError(c, "Failed to process chat query")
	}
}
