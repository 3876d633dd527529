package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/adminserver"
	"github.com/deepzoom/tilecache/internal/config"
	"github.com/deepzoom/tilecache/internal/httpserver"
	"github.com/deepzoom/tilecache/internal/imagesource"
	"github.com/deepzoom/tilecache/internal/logger"
	"github.com/deepzoom/tilecache/internal/registry"
	"github.com/deepzoom/tilecache/internal/tilecache"
	"github.com/deepzoom/tilecache/internal/tiles"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)
	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("vips initialized", zap.Int("max_cache_mb", cfg.VipsMaxCacheMB), zap.Int("concurrency", cfg.VipsConcurrency))
	log.Info("starting tilecached", zap.Int("port", cfg.Port), zap.String("data_dir", cfg.DataDir))

	scanner := imagesource.New(cfg.DataDir, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("initial scan failed", zap.Error(err))
	}

	convReg := registry.New(log)
	cache := tilecache.New(cfg.CacheCapacity, convReg, tilecache.WithLogger(log))
	fetcher := imagesource.NewFetcher(scanner)

	handlers := httpserver.New(cfg, log, cache, fetcher, scanner)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/images", handlers.HandleImages)
	mux.HandleFunc("/api/images/", handlers.HandleTile)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.WarmupLevels > 0 {
		go tiles.Warmup(ctx, cache, fetcher, scanner.List(), cfg.WarmupLevels, cfg.WarmupWorkers, log)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.AdminPort)
		if err := adminserver.Run(ctx, addr, cache, log); err != nil {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	log.Info("server started", zap.Int("port", cfg.Port), zap.Int("admin_port", cfg.AdminPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
