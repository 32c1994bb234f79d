package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Replicate API
	ReplicateAPIToken     string
	ReplicateAPIBaseURL   string
	ReplicateWebhookToken string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseJWTSecret     string
	SupabaseStorageBucket string

	// Webhook
	WebhookCallbackURL string

	// Database
	DatabaseURL string

	// Pipeline guards
	RateLimitMax            int
	RateLimitWindow         time.Duration
	CircuitFailureThreshold int
	CircuitRecoveryTime     time.Duration
	SlowProcessingThreshold time.Duration

	// Server
	Port        string
	Environment string
}

func Load() (*Config, error) {
	cfg := &Config{
		ReplicateAPIToken:     getEnv("REPLICATE_API_TOKEN", ""),
		ReplicateAPIBaseURL:   getEnv("REPLICATE_API_BASE_URL", "https://api.replicate.com/v1/models/bytedance/seedream-4.5/predictions"),
		ReplicateWebhookToken: getEnv("REPLICATE_WEBHOOK_TOKEN", ""),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseJWTSecret:     getEnv("SUPABASE_JWT_SECRET", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "tryon-temp"),

		WebhookCallbackURL: getEnv("WEBHOOK_CALLBACK_URL", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RateLimitMax:            getEnvInt("RATE_LIMIT_MAX", 25),
		RateLimitWindow:         getEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		CircuitFailureThreshold: getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitRecoveryTime:     getEnvDuration("CIRCUIT_RECOVERY_TIME", 2*time.Minute),
		SlowProcessingThreshold: getEnvDuration("SLOW_PROCESSING_THRESHOLD", 90*time.Second),

		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ReplicateAPIToken == "" {
		return fmt.Errorf("REPLICATE_API_TOKEN is required")
	}
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	if c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.WebhookCallbackURL == "" {
		return fmt.Errorf("WEBHOOK_CALLBACK_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
