package router

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/obsidianmentor/mentor-api/config"
	"github.com/obsidianmentor/mentor-api/database"
	"github.com/obsidianmentor/mentor-api/handlers"
	auth_handlers "github.com/obsidianmentor/mentor-api/handlers/auth"
	chat_handlers "github.com/obsidianmentor/mentor-api/handlers/chat"
	"github.com/obsidianmentor/mentor-api/services"
	"github.com/obsidianmentor/mentor-api/services/llm"
	"github.com/obsidianmentor/mentor-api/services/prompt"
	"github.com/obsidianmentor/mentor-api/utils/auth"
	"github.com/obsidianmentor/mentor-api/utils/cache"
	"github.com/obsidianmentor/mentor-api/utils/middleware"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, store database.Storage, env *config.EnviornmentVariable) {
	if env.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := env.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "mentor-api"
	}

	jwtManager := auth.NewJWTManager(auth.JWTConfig{
		Secret: env.JWT_SECRET,
		Expiry: 24 * time.Hour, // Access token expires in 24 hours
		Issuer: jwtIssuer,
	})

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	redisURL := env.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v. Retried requests cannot be deduplicated without it.", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)
	authHandler := auth_handlers.NewAuthHandler(db, jwtManager)

	// Wire the conversation engine
	chatStore := services.NewGormChatStore(db)
	guard := services.NewIdempotencyGuard(redisCache)
	gates := services.NewGates(env.LLM_MAX_CONCURRENCY, env.DB_MAX_CONCURRENCY)

	assembler := prompt.NewAssembler(prompt.Config{
		TemplateVars:           prompt.DefaultVars(),
		MaxContextTokens:       env.LLM_MAX_CONTEXT_TOKENS,
		MaxHistoryRounds:       env.LLM_MAX_HISTORY_ROUNDS,
		ReservedResponseTokens: env.LLM_RESERVED_RESPONSE_TOKENS,
		ModelName:              env.LLM_MODEL,
	})

	llmClient := llm.NewClient(llm.Config{
		BaseURL: env.LLM_BASE_URL,
		APIKey:  env.LLM_API_KEY,
		Model:   env.LLM_MODEL,
	})

	workflow := services.NewChatWorkflow(chatStore, guard, gates, assembler, llmClient, services.WorkflowConfig{
		ModelName:     env.LLM_MODEL,
		StreamTimeout: env.LLM_STREAM_TIMEOUT,
	})

	chatHandler := chat_handlers.NewChatHandler(workflow, services.NewSessionManager(chatStore))

	// Apply security middleware
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}

	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 100,             // 100 requests
		RateLimitWindow:   1 * time.Minute, // per minute
	})

	// Health check endpoint (public)
	app.Get("/ping", func(c *fiber.Ctx) error {
		return handlers.HandleCheckHealth(c, store)
	})

	// API v1 group
	api := app.Group("/api/v1")

	// Auth routes (public)
	authGroup := api.Group("/auth")
	authGroup.Post("/register", authHandler.Register)
	authGroup.Post("/login", authHandler.Login)

	// Chat routes (all protected - require authentication)
	chat := api.Group("/chat", authMiddleware.Required())
	chat.Post("/query", chatHandler.Query)
	chat.Post("/query/stream", chatHandler.QueryStream)
	chat.Get("/sessions", chatHandler.ListSessions)
	chat.Get("/sessions/:id", chatHandler.GetSession)
}
