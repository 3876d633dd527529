package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	clearEnv(t, "PORT", "ADMIN_PORT", "CACHE_CAPACITY", "CACHE_CUTOFF", "LOG_LEVEL")
	cfg := Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 6380, cfg.AdminPort)
	assert.Equal(t, 2000, cfg.CacheCapacity)
	assert.Equal(t, 0, cfg.CacheCutoff)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	clearEnv(t, "PORT", "CACHE_CAPACITY")
	os.Setenv("PORT", "9090")
	os.Setenv("CACHE_CAPACITY", "500")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 500, cfg.CacheCapacity)
}

func TestLoad_NonIntegerEnvFallsBackToDefault(t *testing.T) {
	clearEnv(t, "WARMUP_LEVELS")
	os.Setenv("WARMUP_LEVELS", "not-a-number")

	cfg := Load()
	assert.Equal(t, 1, cfg.WarmupLevels)
}

func TestGetEnv_EmptyStringTreatedAsUnset(t *testing.T) {
	clearEnv(t, "ALLOWED_ORIGIN")
	os.Setenv("ALLOWED_ORIGIN", "")

	cfg := Load()
	assert.Equal(t, "", cfg.AllowedOrigin)
}
