// Package config provides configuration management for the CiviQ backend.
//
// This package handles loading configuration from environment variables,
// validating required settings, and providing sensible defaults for optional
// parameters. Configuration is loaded once at startup and remains immutable
// during runtime for thread-safety.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (highest priority)
//  2. External .env file (fallback, loaded via godotenv)
//  3. Hard-coded defaults (lowest priority)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
//
// This struct is immutable after creation to ensure thread-safety.
// Clustering and escalation thresholds are configurable so a deployment
// can be tuned per city without a rebuild.
type Config struct {
	// HTTP server
	Port      string // Port for the public API server
	UploadDir string // Directory for citizen-uploaded complaint photos

	// Record store
	DatabasePath string // SQLite database file path

	// Directory / cache store (optional; in-memory fallback when unset)
	RedisAddr string // Redis host:port for the municipal directory

	// Inference provider (optional, pipeline degrades without it)
	GeminiAPIKey string // Gemini API key for vision + text inference

	// Translation (optional)
	TranslateAPIKey string // Cloud Translation API key for vernacular descriptions

	// Gmail transport (optional, work orders skipped when unset)
	GmailClientID     string
	GmailClientSecret string
	GmailRefreshToken string
	GmailUserEmail    string // From address for work orders and acknowledgments

	// Geocoding
	NominatimURL string // Nominatim base URL (OpenStreetMap, no key needed)

	// Clustering parameters
	ClusterRadiusM      int           // Radius in meters for nearby-complaint search
	ClusterWindow       time.Duration // Lookback window for nearby-complaint search
	ClusterThreshold    int           // Minimum nearby count to form a cluster
	PredictionThreshold float64       // Cluster score above which prediction runs
	P1Threshold         float64       // Confidence above which a pre-failure becomes P1

	// Event fan-out
	EventQueueSize int // Per-subscriber queue capacity before drop-oldest

	// Pipeline concurrency
	PipelineWorkers int // Number of concurrent pipeline workers

	// HTTP client timeout for all outbound provider calls
	HTTPTimeout time.Duration

	// Debug mode - skips outbound email/inference calls for local testing
	DebugMode bool
}

// LoadConfig loads configuration from environment variables with defaults.
//
// Loading process:
//  1. Try to load external .env file (optional)
//  2. Read environment variables
//  3. Apply hard-coded defaults for any missing optional values
//  4. Validate that values are sensible
//
// Returns:
//   - *Config: Fully populated configuration struct
//   - error: Validation error if a value is out of range
func LoadConfig() (*Config, error) {
	// External .env is optional; env vars always win
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnvOrDefault("PORT", "8080"),
		UploadDir: getEnvOrDefault("UPLOAD_DIR", "uploads"),

		DatabasePath: getEnvOrDefault("DATABASE_PATH", "civiq.db"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		GeminiAPIKey:    os.Getenv("GEMINI_API_KEY"),
		TranslateAPIKey: os.Getenv("TRANSLATE_API_KEY"),

		GmailClientID:     os.Getenv("GMAIL_CLIENT_ID"),
		GmailClientSecret: os.Getenv("GMAIL_CLIENT_SECRET"),
		GmailRefreshToken: os.Getenv("GMAIL_REFRESH_TOKEN"),
		GmailUserEmail:    os.Getenv("GMAIL_USER_EMAIL"),

		NominatimURL: getEnvOrDefault("NOMINATIM_URL", "https://nominatim.openstreetmap.org"),

		// Clustering defaults match the deployed Chennai configuration
		ClusterRadiusM:      getEnvInt("CLUSTER_RADIUS_M", 500),
		ClusterWindow:       getEnvDuration("CLUSTER_WINDOW", 72*time.Hour),
		ClusterThreshold:    getEnvInt("CLUSTER_THRESHOLD", 3),
		PredictionThreshold: getEnvFloat("PREDICTION_THRESHOLD", 60),
		P1Threshold:         getEnvFloat("P1_THRESHOLD", 80),

		EventQueueSize: getEnvInt("EVENT_QUEUE_SIZE", 64),

		PipelineWorkers: getEnvInt("PIPELINE_WORKERS", 4),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 30*time.Second),

		DebugMode: getEnvOrDefault("DEBUG_MODE", "false") == "true",
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are sensible.
//
// Validation rules:
//   - Port and database path must be non-empty
//   - Clustering thresholds must be positive (zero or negative values
//     would make every submission form a cluster)
//
// Returns:
//   - error: Descriptive error if validation fails, nil if all checks pass
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH cannot be empty")
	}
	if c.ClusterRadiusM < 1 {
		return fmt.Errorf("CLUSTER_RADIUS_M must be at least 1, got %d", c.ClusterRadiusM)
	}
	if c.ClusterThreshold < 1 {
		return fmt.Errorf("CLUSTER_THRESHOLD must be at least 1, got %d", c.ClusterThreshold)
	}
	if c.ClusterWindow <= 0 {
		return fmt.Errorf("CLUSTER_WINDOW must be positive, got %s", c.ClusterWindow)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be at least 1, got %d", c.EventQueueSize)
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1, got %d", c.PipelineWorkers)
	}
	return nil
}

// InferenceKey returns the Gemini API key, or "" when debug mode keeps
// outbound model calls disabled.
func (c *Config) InferenceKey() string {
	if c.DebugMode {
		return ""
	}
	return c.GeminiAPIKey
}

// MailCredentials returns the Gmail OAuth credentials, zeroed when debug
// mode keeps outbound email disabled.
func (c *Config) MailCredentials() (clientID, clientSecret, refreshToken, from string) {
	if c.DebugMode {
		return "", "", "", ""
	}
	return c.GmailClientID, c.GmailClientSecret, c.GmailRefreshToken, c.GmailUserEmail
}

// Helper functions for environment variable parsing

// getEnvOrDefault returns the environment variable value or a default if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an integer or a default if not set/invalid
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as a float or a default if not set/invalid
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default if not set/invalid.
//
// Accepts standard Go duration strings like "5s", "10m", "72h"
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
