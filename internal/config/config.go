// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis address for cross-instance realtime fan-out (optional)

	// Sessions
	JWTSecret string
	JWTIssuer string

	// Notifications
	NotifyWebhookURL    string // External notification collaborator (optional, logs only if not set)
	NotifyWebhookSecret string // HMAC secret for signing notification payloads
	NotifyTimeout       time.Duration

	// Tracing
	OTLPEndpoint string

	// Security
	RateLimitRPM int
	CORSOrigins  []string
}

// ClientConfig holds settings for the chat client CLI.
type ClientConfig struct {
	ServerURL    string
	Token        string
	Transport    string // "poll" or "push"
	PollInterval time.Duration
	PendingTTL   time.Duration
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultJWTIssuer     = "escrowchat"
	DefaultRateLimit     = 120
	DefaultNotifyTimeout = 10 * time.Second
	DefaultServerURL     = "http://localhost:8080"
	DefaultTransport     = "poll"
	DefaultPollInterval  = 3 * time.Second
	DefaultPendingTTL    = 30 * time.Second

	// minSecretLen is the shortest JWT secret accepted outside development.
	minSecretLen = 32

	devJWTSecret = "dev-only-secret-do-not-use-in-production"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTIssuer:           getEnv("JWT_ISSUER", DefaultJWTIssuer),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		NotifyTimeout:       getEnvDuration("NOTIFY_TIMEOUT", DefaultNotifyTimeout),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:         splitList(os.Getenv("CORS_ORIGINS")),
	}

	if cfg.JWTSecret == "" && cfg.IsDevelopment() {
		cfg.JWTSecret = devJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadClient reads chat client settings from the environment.
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerURL:    strings.TrimRight(getEnv("CHAT_SERVER_URL", DefaultServerURL), "/"),
		Token:        os.Getenv("CHAT_TOKEN"),
		Transport:    getEnv("CHAT_TRANSPORT", DefaultTransport),
		PollInterval: getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PendingTTL:   getEnvDuration("PENDING_TTL", DefaultPendingTTL),
	}
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if !c.IsDevelopment() && len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes outside development", minSecretLen)
	}
	if c.IsProduction() && c.JWTSecret == devJWTSecret {
		return fmt.Errorf("JWT_SECRET must not use the development default in production")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" && c.IsProduction() {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set in production")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
