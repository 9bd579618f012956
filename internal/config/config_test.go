package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "SCHEDULER_INTERVAL", "5s")
	setEnv(t, "STATIC_BLACKLIST", "203.0.113.5,198.51.100.7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, DefaultSchedulerBatch, cfg.SchedulerBatch)
	assert.Equal(t, "203.0.113.5,198.51.100.7", cfg.StaticBlacklist)
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "")
	setEnv(t, "SCHEDULER_INTERVAL", "")
	setEnv(t, "SWEEPER_INTERVAL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultSchedulerInterval, cfg.SchedulerInterval)
	assert.Equal(t, DefaultSweeperInterval, cfg.SweeperInterval)
	assert.Equal(t, DefaultThreatLookupLimit, cfg.ThreatLookupLimit)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				SchedulerInterval: 10 * time.Second,
				SchedulerBatch:    200,
			},
			wantErr: "",
		},
		{
			name: "zero scheduler interval",
			config: Config{
				SchedulerInterval: 0,
				SchedulerBatch:    200,
			},
			wantErr: "SCHEDULER_INTERVAL must be positive",
		},
		{
			name: "zero scheduler batch",
			config: Config{
				SchedulerInterval: 10 * time.Second,
				SchedulerBatch:    0,
			},
			wantErr: "SCHEDULER_BATCH must be positive",
		},
		{
			name: "feed key without feed url",
			config: Config{
				SchedulerInterval: 10 * time.Second,
				SchedulerBatch:    200,
				ThreatFeedAPIKey:  "secret",
			},
			wantErr: "THREAT_FEED_URL is required",
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

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_INVALID", "soon")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_INVALID", time.Minute))
}
