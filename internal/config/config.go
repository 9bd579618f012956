// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Evaluation settings
	SchedulerInterval time.Duration // how often the background scheduler scans for due sessions
	SchedulerBatch    int           // sessions rescored per scheduler pass
	SweeperInterval   time.Duration // how often expired challenges are swept

	// Threat intel
	ThreatFeedURL     string // optional external reputation feed
	ThreatFeedAPIKey  string
	StaticBlacklist   string // comma-separated IPs seeded at startup
	ThreatLookupLimit int    // sessions touched per indicator ingest

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRateLimit         = 100
	DefaultSchedulerInterval = 10 * time.Second
	DefaultSchedulerBatch    = 200
	DefaultSweeperInterval   = 30 * time.Second
	DefaultThreatLookupLimit = 50
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		SchedulerInterval: getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		SchedulerBatch:    int(getEnvInt64("SCHEDULER_BATCH", DefaultSchedulerBatch)),
		SweeperInterval:   getEnvDuration("SWEEPER_INTERVAL", DefaultSweeperInterval),
		ThreatFeedURL:     os.Getenv("THREAT_FEED_URL"),
		ThreatFeedAPIKey:  os.Getenv("THREAT_FEED_API_KEY"),
		StaticBlacklist:   os.Getenv("STATIC_BLACKLIST"),
		ThreatLookupLimit: int(getEnvInt64("THREAT_LOOKUP_LIMIT", DefaultThreatLookupLimit)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.SchedulerBatch <= 0 {
		return fmt.Errorf("SCHEDULER_BATCH must be positive")
	}
	if c.ThreatFeedAPIKey != "" && c.ThreatFeedURL == "" {
		return fmt.Errorf("THREAT_FEED_URL is required when THREAT_FEED_API_KEY is set")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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
