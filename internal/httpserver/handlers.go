// Package httpserver exposes the tile cache over HTTP: one endpoint per
// tile, driven by TileCache.CacheTile/CacheRecord.GetDataAs instead of
// the teacher's flat cache.Cache Get/Set.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/config"
	"github.com/deepzoom/tilecache/internal/registry"
	"github.com/deepzoom/tilecache/internal/tilecache"
	"github.com/deepzoom/tilecache/internal/tiles"
)

// ImageIndex resolves an image ID to its dimensions and lets handlers
// address a per-image TiledImage/Viewer pair, replacing the teacher's
// *image_list.Scanner coupling.
type ImageIndex interface {
	Lookup(imageID string) (tiles.Source, bool)
	List() []tiles.Source
}

type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	cache   *tilecache.TileCache
	fetcher tiles.SourceFetcher
	images  ImageIndex

	mu     chan struct{} // binary semaphore guarding the owners map below
	owners map[string]*tiles.TiledImage
}

func New(cfg *config.Config, logger *zap.Logger, cache *tilecache.TileCache, fetcher tiles.SourceFetcher, images ImageIndex) *Handlers {
	return &Handlers{
		config:  cfg,
		logger:  logger,
		cache:   cache,
		fetcher: fetcher,
		images:  images,
		mu:      make(chan struct{}, 1),
		owners:  make(map[string]*tiles.TiledImage),
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()
		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else if origin != "" {
			allowedOrigin = origin
		} else {
			allowedOrigin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.images.List())
}

// HandleTile serves /api/images/{id}/tiles/{z}/{x}/{y}.{ext}, resolving
// the tile through the shared cache instead of rendering fresh for
// every request.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	imageID, z, x, y, format, err := parseTilePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	src, ok := h.images.Lookup(imageID)
	if !ok {
		http.Error(w, "image not found", http.StatusNotFound)
		return
	}
	if z > tiles.MaxZoom(src.Width, src.Height) {
		http.Error(w, "zoom level exceeds max zoom", http.StatusBadRequest)
		return
	}

	owner := h.ownerFor(imageID)
	key := tilecache.CacheKey(fmt.Sprintf("%s/%d/%d/%d", imageID, z, x, y))
	tile := tiles.NewTile(owner, key, z)
	tile.SetBeingDrawn(true)
	defer tile.SetBeingDrawn(false)
	tile.Touch(time.Now().UnixNano())

	ctx := r.Context()
	rec, err := h.resolveRecord(ctx, tile, imageID, z, x, y)
	if err != nil {
		h.logger.Error("resolve tile failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data, err := rec.GetDataAs(ctx, format, true).Wait(ctx)
	if err != nil {
		h.logger.Error("convert tile failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Type", contentTypeFor(format))
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) resolveRecord(ctx context.Context, tile *tiles.Tile, imageID string, z, x, y int) (*tilecache.CacheRecord, error) {
	if rec, ok := h.cache.GetCacheRecord(tile.CacheKey()); ok {
		tile.MarkLoaded(true)
		_, err := h.cache.CacheTile(ctx, tilecache.CacheTileRequest{Tile: tile, DataType: rec.Format()})
		return rec, err
	}

	data, format, err := h.fetcher.FetchTile(ctx, imageID, z, x, y)
	if err != nil {
		return nil, fmt.Errorf("fetch tile: %w", err)
	}
	tile.MarkLoaded(true)
	rec, err := h.cache.CacheTile(ctx, tilecache.CacheTileRequest{
		Tile: tile, Data: data, DataType: format, Cutoff: h.config.CacheCutoff,
	})
	if err != nil {
		return nil, err
	}
	tile.MarkCached()
	return rec, nil
}

func (h *Handlers) ownerFor(imageID string) *tiles.TiledImage {
	h.mu <- struct{}{}
	defer func() { <-h.mu }()
	if owner, ok := h.owners[imageID]; ok {
		return owner
	}
	owner := tiles.NewTiledImage(imageID, true, tiles.NewViewer())
	h.owners[imageID] = owner
	return owner
}

func (h *Handlers) extractIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
	}
	return "unknown"
}

func parseTilePath(path string) (imageID string, z, x, y int, format tilecache.Format, err error) {
	trimmed := strings.TrimPrefix(path, "/api/images/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 5 || parts[1] != "tiles" {
		return "", 0, 0, 0, "", fmt.Errorf("invalid tile path")
	}
	imageID = parts[0]
	if z, err = strconv.Atoi(parts[2]); err != nil {
		return "", 0, 0, 0, "", fmt.Errorf("invalid zoom level")
	}
	if x, err = strconv.Atoi(parts[3]); err != nil {
		return "", 0, 0, 0, "", fmt.Errorf("invalid x coordinate")
	}
	ext := filepath.Ext(parts[4])
	yPart := strings.TrimSuffix(parts[4], ext)
	if y, err = strconv.Atoi(yPart); err != nil {
		return "", 0, 0, 0, "", fmt.Errorf("invalid y coordinate")
	}
	if z < 0 || x < 0 || y < 0 {
		return "", 0, 0, 0, "", fmt.Errorf("coordinates must be non-negative")
	}
	switch strings.TrimPrefix(ext, ".") {
	case "jpg", "jpeg":
		format = registry.JPEG
	case "png":
		format = registry.PNG
	case "webp":
		format = registry.WebP
	default:
		return "", 0, 0, 0, "", fmt.Errorf("invalid format")
	}
	return imageID, z, x, y, format, nil
}

func contentTypeFor(format tilecache.Format) string {
	switch format {
	case registry.PNG:
		return "image/png"
	case registry.WebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
