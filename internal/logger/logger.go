package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deepzoom/tilecache/internal/config"
)

// New builds the process logger from cfg.LogLevel and stamps every line
// with the cache capacity and admin port the process is running with, so
// a log stream from a fleet of tilecached instances can be filtered by
// the configuration each one booted with without cross-referencing a
// separate deploy manifest.
func New(cfg *config.Config) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zapLevel)
	zc.Encoding = "json"
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log.With(
		zap.Int("cache_capacity", cfg.CacheCapacity),
		zap.Int("admin_port", cfg.AdminPort),
	), nil
}
