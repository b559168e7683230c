package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all configuration for the application. Feature flags are
// plumbed into constructors explicitly; nothing reads the environment after
// Load returns.
type Config struct {
	Port        string
	DatabaseURL string
	Version     string
	LogLevel    string

	OpenAIKey        string
	CompletionModel  string // primary model for draft/chat generation
	MiniModel        string // cheaper model for predicates, names, summaries
	EmbeddingModel   string
	ReasoningModel   string // empty disables the reasoning pass
	OpenAITimeout    int    // seconds
	EvaluationMode   bool   // widens the reasoning timeout for offline evals
	StyleLinterOn    bool   // tenants still need >=1 example for it to run
	EnableChatTools  bool   // expose tenant HTTP tools in chat mode
	EnableDraftTools bool   // expose tenant HTTP tools in draft mode

	AMQPURL         string // empty disables job dispatch and realtime fan-out
	JobsExchange    string
	RealtimeEchange string
	JobsQueue       string
	WorkerCount     int

	SendGridAPIKey string
	SupportEmail   string
	ReplyFromEmail string
}

// Load initializes and returns application configuration.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Version:     getEnv("VERSION", "1.0.0"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		CompletionModel:  getEnv("COMPLETION_MODEL", "gpt-4o"),
		MiniModel:        getEnv("MINI_MODEL", "gpt-4o-mini"),
		EmbeddingModel:   getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		ReasoningModel:   os.Getenv("REASONING_MODEL"),
		OpenAITimeout:    getEnvInt("OPENAI_TIMEOUT", 60),
		EvaluationMode:   getEnvBool("EVALUATION_MODE", false),
		StyleLinterOn:    getEnvBool("ENABLE_STYLE_LINTER", true),
		EnableChatTools:  getEnvBool("ENABLE_CHAT_TOOLS", true),
		EnableDraftTools: getEnvBool("ENABLE_DRAFT_TOOLS", false),

		AMQPURL:         os.Getenv("AMQP_URL"),
		JobsExchange:    getEnv("JOBS_EXCHANGE", "helpdesk.jobs"),
		RealtimeEchange: getEnv("REALTIME_EXCHANGE", "helpdesk.realtime"),
		JobsQueue:       getEnv("JOBS_QUEUE", "helpdesk-worker"),
		WorkerCount:     getEnvInt("WORKER_COUNT", 4),

		SendGridAPIKey: os.Getenv("SENDGRID_API_KEY"),
		SupportEmail:   getEnv("SUPPORT_EMAIL", "support@helpdesk.local"),
		ReplyFromEmail: getEnv("REPLY_FROM_EMAIL", "noreply@helpdesk.local"),
	}
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as integer with a default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as boolean with a default fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// SetupLogger configures zerolog with JSON output and single-line format
func (c *Config) SetupLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "helpdesk").
		Str("version", c.Version).
		Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
