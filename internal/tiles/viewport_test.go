package tiles

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

func TestMaxZoom(t *testing.T) {
	assert.Equal(t, 0, MaxZoom(200, 200), "an image no bigger than one tile has no deeper zoom levels")
	assert.Equal(t, 2, MaxZoom(1024, 768))
}

// stubRegistry is the minimal ConversionRegistry Warmup's CacheTile calls
// need: identity conversion, no unreachable paths exercised.
type stubRegistry struct{}

func (stubRegistry) ConversionPath(from, to tilecache.Format) []tilecache.ConversionEdge { return nil }
func (stubRegistry) Convert(ctx context.Context, data []byte, from, to tilecache.Format) ([]byte, error) {
	return data, nil
}
func (stubRegistry) Copy(ctx context.Context, data []byte, format tilecache.Format) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
func (stubRegistry) Destroy(data []byte, format tilecache.Format) {}
func (stubRegistry) GuessType(data []byte) tilecache.Format       { return "raw" }

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
}

func (f *stubFetcher) FetchTile(ctx context.Context, imageID string, z, x, y int) ([]byte, tilecache.Format, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	key := fmt.Sprintf("%s/%d/%d/%d", imageID, z, x, y)
	if f.fail[key] {
		return nil, "", fmt.Errorf("simulated fetch failure for %s", key)
	}
	return []byte(key), "raw", nil
}

func TestWarmup_PopulatesCacheAcrossLevelsAndTiles(t *testing.T) {
	cache := tilecache.New(1000, stubRegistry{}, tilecache.WithLogger(zap.NewNop()), tilecache.WithMetricsRegisterer(prometheus.NewRegistry()))
	fetcher := &stubFetcher{}
	sources := []Source{{ID: "img1", Width: 512, Height: 256}}

	Warmup(context.Background(), cache, fetcher, sources, 5, 4, zap.NewNop())

	assert.Positive(t, fetcher.calls)
	assert.Positive(t, cache.NumCachesLoaded())

	rec, ok := cache.GetCacheRecord(tilecache.CacheKey("img1/0/0/0"))
	require.True(t, ok, "warmup must cache the level-0 tile for a source of this size")
	assert.True(t, rec.Loaded())
}

func TestWarmup_CapsLevelsAtSourceMaxZoom(t *testing.T) {
	cache := tilecache.New(1000, stubRegistry{}, tilecache.WithLogger(zap.NewNop()), tilecache.WithMetricsRegisterer(prometheus.NewRegistry()))
	fetcher := &stubFetcher{}
	sources := []Source{{ID: "small", Width: 200, Height: 200}} // MaxZoom == 0

	Warmup(context.Background(), cache, fetcher, sources, 5, 2, zap.NewNop())

	_, ok := cache.GetCacheRecord(tilecache.CacheKey("small/1/0/0"))
	assert.False(t, ok, "warmup must not walk past the source's own max zoom")
}

func TestWarmup_SkipsFailedFetchesWithoutCaching(t *testing.T) {
	cache := tilecache.New(1000, stubRegistry{}, tilecache.WithLogger(zap.NewNop()), tilecache.WithMetricsRegisterer(prometheus.NewRegistry()))
	fetcher := &stubFetcher{fail: map[string]bool{"img1/0/0/0": true}}
	sources := []Source{{ID: "img1", Width: 200, Height: 200}}

	Warmup(context.Background(), cache, fetcher, sources, 5, 2, zap.NewNop())

	_, ok := cache.GetCacheRecord(tilecache.CacheKey("img1/0/0/0"))
	assert.False(t, ok, "a failed fetch must not leave a partial cache entry")
}

func TestWarmup_NoSourcesIsNoOp(t *testing.T) {
	cache := tilecache.New(10, stubRegistry{}, tilecache.WithLogger(zap.NewNop()), tilecache.WithMetricsRegisterer(prometheus.NewRegistry()))
	fetcher := &stubFetcher{}
	Warmup(context.Background(), cache, fetcher, nil, 5, 2, zap.NewNop())
	assert.Equal(t, 0, cache.NumCachesLoaded())
}
