package config

import (
	"os"
	"strconv"
)

// Config is process-wide, environment-sourced configuration, extended
// from the teacher's flat env-var config with the cache-capacity,
// cutoff, and admin-server options the tile cache core needs.
type Config struct {
	Port          int
	AdminPort     int
	DataDir       string
	WarmupLevels  int
	WarmupWorkers int

	CacheCapacity int
	CacheCutoff   int

	VipsMaxCacheMB  int
	VipsConcurrency int

	LogLevel      string
	AllowedOrigin string
}

func Load() *Config {
	return &Config{
		Port:            getEnvInt("PORT", 8080),
		AdminPort:       getEnvInt("ADMIN_PORT", 6380),
		DataDir:         getEnv("DATA_DIR", "/data"),
		WarmupLevels:    getEnvInt("WARMUP_LEVELS", 1),
		WarmupWorkers:   getEnvInt("WARMUP_WORKERS", 1),
		CacheCapacity:   getEnvInt("CACHE_CAPACITY", 2000),
		CacheCutoff:     getEnvInt("CACHE_CUTOFF", 0),
		VipsMaxCacheMB:  getEnvInt("VIPS_MAX_CACHE_MB", 256),
		VipsConcurrency: getEnvInt("VIPS_CONCURRENCY", 1),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		AllowedOrigin:   getEnv("ALLOWED_ORIGIN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
