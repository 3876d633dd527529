package tiles

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

// SourceFetcher loads a tile's payload. It is the "network fetcher"
// external collaborator the tile cache core never implements itself.
type SourceFetcher interface {
	FetchTile(ctx context.Context, imageID string, z, x, y int) ([]byte, tilecache.Format, error)
}

// Source describes one image's dimensions, enough to compute a tile
// grid at each zoom level (mirrors the teacher's ImageInfo).
type Source struct {
	ID     string
	Width  int
	Height int
}

// MaxZoom returns the deepest zoom level at which a 256px tile still
// subdivides the image, the same computation as the teacher's
// Renderer.CalculateMaxZoom.
func MaxZoom(width, height int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / 256.0
	z := int(math.Ceil(math.Log2(scale)))
	if z < 0 {
		return 0
	}
	return z
}

// Warmup walks every level up to levels (capped to each image's max
// zoom) across every tile in the grid, fetching and caching each one
// with a bounded worker pool. Grounded on the teacher's warmupTiles in
// cmd/server/main.go, generalized from "render and discard" to "fetch
// and hand to the tile cache".
func Warmup(ctx context.Context, cache *tilecache.TileCache, fetcher SourceFetcher, sources []Source, levels, workerLimit int, logger *zap.Logger) {
	if len(sources) == 0 {
		return
	}
	if workerLimit <= 0 {
		workerLimit = 1
	}

	logger.Info("starting tile warmup", zap.Int("levels", levels), zap.Int("images", len(sources)))

	workerChan := make(chan struct{}, workerLimit)
	var wg sync.WaitGroup

	for _, src := range sources {
		maxZoom := MaxZoom(src.Width, src.Height)
		warmupZoom := levels
		if warmupZoom > maxZoom {
			warmupZoom = maxZoom
		}

		viewer := NewViewer()
		owner := NewTiledImage(src.ID, true, viewer)

		for z := 0; z <= warmupZoom; z++ {
			scale := math.Pow(2, float64(maxZoom-z))
			tilesX := int(math.Ceil(float64(src.Width) / (256 * scale)))
			tilesY := int(math.Ceil(float64(src.Height) / (256 * scale)))

			for x := 0; x < tilesX; x++ {
				for y := 0; y < tilesY; y++ {
					wg.Add(1)
					workerChan <- struct{}{}
					go func(imageID string, zoom, tx, ty int) {
						defer wg.Done()
						defer func() { <-workerChan }()
						warmOne(ctx, cache, fetcher, owner, imageID, zoom, tx, ty, logger)
					}(src.ID, z, x, y)
				}
			}
		}
	}

	wg.Wait()
	logger.Info("tile warmup complete")
}

func warmOne(ctx context.Context, cache *tilecache.TileCache, fetcher SourceFetcher, owner *TiledImage, imageID string, z, x, y int, logger *zap.Logger) {
	key := tilecache.CacheKey(fmt.Sprintf("%s/%d/%d/%d", imageID, z, x, y))
	tile := NewTile(owner, key, z)
	tile.Touch(time.Now().UnixNano())

	data, format, err := fetcher.FetchTile(ctx, imageID, z, x, y)
	if err != nil {
		logger.Warn("warmup fetch failed", zap.String("key", string(key)), zap.Error(err))
		return
	}
	tile.MarkLoaded(true)

	if _, err := cache.CacheTile(ctx, tilecache.CacheTileRequest{
		Tile: tile, Data: data, DataType: format,
	}); err != nil {
		logger.Warn("warmup cacheTile failed", zap.String("key", string(key)), zap.Error(err))
		return
	}
	tile.MarkCached()
}
