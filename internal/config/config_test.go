package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_DevelopmentDefaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultJWTIssuer, cfg.JWTIssuer)
	assert.Equal(t, DefaultNotifyTimeout, cfg.NotifyTimeout)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.NotEmpty(t, cfg.JWTSecret, "development falls back to a local secret")
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "ENV", "staging")
	setEnv(t, "JWT_SECRET", strings.Repeat("s", 40))
	setEnv(t, "NOTIFY_TIMEOUT", "3s")
	setEnv(t, "RATE_LIMIT_RPM", "30")
	setEnv(t, "REDIS_URL", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.NotifyTimeout)
	assert.Equal(t, 30, cfg.RateLimitRPM)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)
}

func TestConfig_Validate(t *testing.T) {
	long := strings.Repeat("k", 32)

	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "valid development config",
			config:  Config{Env: "development", JWTSecret: "short", RateLimitRPM: 10},
			wantErr: "",
		},
		{
			name:    "missing secret",
			config:  Config{Env: "development", RateLimitRPM: 10},
			wantErr: "JWT_SECRET is required",
		},
		{
			name:    "short secret outside development",
			config:  Config{Env: "staging", JWTSecret: "short", RateLimitRPM: 10},
			wantErr: "at least 32 bytes",
		},
		{
			name:    "development secret in production",
			config:  Config{Env: "production", JWTSecret: devJWTSecret, RateLimitRPM: 10},
			wantErr: "development default",
		},
		{
			name:    "unsigned webhook in production",
			config:  Config{Env: "production", JWTSecret: long, NotifyWebhookURL: "https://notify.example", RateLimitRPM: 10},
			wantErr: "NOTIFY_WEBHOOK_SECRET",
		},
		{
			name:    "non-positive rate limit",
			config:  Config{Env: "development", JWTSecret: "x", RateLimitRPM: 0},
			wantErr: "RATE_LIMIT_RPM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "250ms")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("NONEXISTENT_DUR", time.Second))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}

func TestLoadClient(t *testing.T) {
	setEnv(t, "CHAT_SERVER_URL", "https://chat.example/")
	setEnv(t, "CHAT_TRANSPORT", "push")
	setEnv(t, "PENDING_TTL", "45s")
	setEnv(t, "POLL_INTERVAL", "")

	cfg := LoadClient()
	assert.Equal(t, "https://chat.example", cfg.ServerURL)
	assert.Equal(t, "push", cfg.Transport)
	assert.Equal(t, 45*time.Second, cfg.PendingTTL)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitList(" https://a.example, ,https://b.example "))
}
