package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL string
	// LLM Configuration
	LLM_BASE_URL                 string
	LLM_API_KEY                  string
	LLM_MODEL                    string
	LLM_MAX_CONTEXT_TOKENS       int
	LLM_MAX_HISTORY_ROUNDS       int
	LLM_RESERVED_RESPONSE_TOKENS int
	LLM_STREAM_TIMEOUT           time.Duration
	// Concurrency ceilings for the two downstream systems
	LLM_MAX_CONCURRENCY int
	DB_MAX_CONCURRENCY  int
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	llmBaseURL := os.Getenv("LLM_BASE_URL")
	if llmBaseURL == "" {
		llmBaseURL = "http://localhost:11434/v1"
	}

	llmModel := os.Getenv("LLM_MODEL")
	if llmModel == "" {
		llmModel = "gpt-4"
	}

	streamTimeout := 5 * time.Minute
	if raw := os.Getenv("LLM_STREAM_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			streamTimeout = time.Duration(secs) * time.Second
		}
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL: os.Getenv("REDIS_URL"),
		// LLM
		LLM_BASE_URL:                 llmBaseURL,
		LLM_API_KEY:                  os.Getenv("LLM_API_KEY"),
		LLM_MODEL:                    llmModel,
		LLM_MAX_CONTEXT_TOKENS:       intEnv("LLM_MAX_CONTEXT_TOKENS", 8192),
		LLM_MAX_HISTORY_ROUNDS:       intEnv("LLM_MAX_HISTORY_ROUNDS", 20),
		LLM_RESERVED_RESPONSE_TOKENS: intEnv("LLM_RESERVED_RESPONSE_TOKENS", 1024),
		LLM_STREAM_TIMEOUT:           streamTimeout,
		// Concurrency
		LLM_MAX_CONCURRENCY: intEnv("LLM_MAX_CONCURRENCY", 5),
		DB_MAX_CONCURRENCY:  intEnv("DB_MAX_CONCURRENCY", 20),
	}

	return envVariables, nil
}

func intEnv(key string, fallback int) int {
	val, err := strconv.Atoi(os.Getenv(key))
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}
