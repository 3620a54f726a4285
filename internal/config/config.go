package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL        string
	RedisURL           string
	SyncSchedule       string // cron spec for the recurring mailbox sync
	ShutdownTimeout    int    // seconds
	MetricsAddr        string // listen address for the queue counts endpoint
	GoogleClientID     string
	GoogleClientSecret string
	PubSubTopic        string // topic for Gmail watch notifications
	OpenRouterAPIKey   string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	googleClientID := os.Getenv("GOOGLE_CLIENT_ID")
	googleClientSecret := os.Getenv("GOOGLE_CLIENT_SECRET")
	if googleClientID == "" || googleClientSecret == "" {
		fmt.Println("Warning: GOOGLE_CLIENT_ID or GOOGLE_CLIENT_SECRET not set, Gmail API will not work")
	}

	openRouterAPIKey := os.Getenv("OPENROUTER_API_KEY")
	if openRouterAPIKey == "" {
		fmt.Println("Warning: OPENROUTER_API_KEY not set, categorization and summaries will not work")
	}

	pubSubTopic := os.Getenv("PUBSUB_TOPIC")
	if pubSubTopic == "" {
		fmt.Println("Warning: PUBSUB_TOPIC not set, watch renewal will not work")
	}

	syncSchedule := os.Getenv("SYNC_SCHEDULE")
	if syncSchedule == "" {
		syncSchedule = "*/5 * * * *" // every 5 minutes
	}

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	shutdownTimeout := 30
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		shutdownTimeout = parsed
	}

	return &Config{
		DatabaseURL:        dbURL,
		RedisURL:           redisURL,
		SyncSchedule:       syncSchedule,
		ShutdownTimeout:    shutdownTimeout,
		MetricsAddr:        metricsAddr,
		GoogleClientID:     googleClientID,
		GoogleClientSecret: googleClientSecret,
		PubSubTopic:        pubSubTopic,
		OpenRouterAPIKey:   openRouterAPIKey,
	}, nil
}
