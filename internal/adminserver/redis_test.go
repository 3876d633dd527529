package adminserver

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

// stubRegistry is an identity ConversionRegistry: enough to exercise the
// admin commands' read paths without pulling in vips.
type stubRegistry struct{}

func (stubRegistry) ConversionPath(from, to tilecache.Format) []tilecache.ConversionEdge { return nil }
func (stubRegistry) Convert(ctx context.Context, data []byte, from, to tilecache.Format) ([]byte, error) {
	return data, nil
}
func (stubRegistry) Copy(ctx context.Context, data []byte, format tilecache.Format) ([]byte, error) {
	return append([]byte(nil), data...), nil
}
func (stubRegistry) Destroy(data []byte, format tilecache.Format) {}
func (stubRegistry) GuessType(data []byte) tilecache.Format       { return "raw" }

func newTestHandler(t *testing.T) *handler {
	cache := tilecache.New(10, stubRegistry{}, tilecache.WithLogger(zap.NewNop()), tilecache.WithMetricsRegisterer(prometheus.NewRegistry()))
	return &handler{cache: cache}
}

func TestHandle_Ping(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle(adminCommand{command: "PING"})
	assert.Equal(t, "PONG", out.writeString)
	assert.Nil(t, out.err)
}

func TestHandle_Quit_ClosesConnection(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle(adminCommand{command: "QUIT"})
	assert.True(t, out.closeConnection)
}

func TestHandle_TilesAndCachesLoaded(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.cache.CacheTile(context.Background(), tilecache.CacheTileRequest{
		Tile: &adminTestTile{key: "A"}, Data: []byte("D1"), DataType: "raw",
	})
	require.NoError(t, err)

	out := h.handle(adminCommand{command: "TILESLOADED"})
	require.NotNil(t, out.writeInt)
	assert.Equal(t, 1, *out.writeInt)

	out = h.handle(adminCommand{command: "CACHESLOADED"})
	require.NotNil(t, out.writeInt)
	assert.Equal(t, 1, *out.writeInt)
}

func TestHandle_GetExistingAndMissingKey(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.cache.CacheTile(context.Background(), tilecache.CacheTileRequest{
		Tile: &adminTestTile{key: "A"}, Data: []byte("D1"), DataType: "raw",
	})
	require.NoError(t, err)

	out := h.handle(adminCommand{command: "GET", args: []string{"A"}})
	assert.Contains(t, out.writeString, "format=raw")

	out = h.handle(adminCommand{command: "GET", args: []string{"missing"}})
	assert.True(t, out.writeNil)
}

func TestHandle_GetWrongArgCountErrors(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle(adminCommand{command: "GET", args: []string{}})
	require.NotNil(t, out.err)
}

func TestHandle_MutatingCommandsRejected(t *testing.T) {
	h := newTestHandler(t)
	for _, cmd := range []string{"SET", "DEL", "EXPIRE"} {
		out := h.handle(adminCommand{command: cmd, args: []string{"A", "B"}})
		require.NotNil(t, out.err, "%s must be rejected on the read-only admin port", cmd)
	}
}

func TestHandle_UnknownCommandErrors(t *testing.T) {
	h := newTestHandler(t)
	out := h.handle(adminCommand{command: "NONSENSE"})
	require.NotNil(t, out.err)
}

// adminTestTile is a minimal tilecache.Tile for exercising handle()'s
// cache-touching commands without depending on package tiles.
type adminTestTile struct {
	key tilecache.CacheKey
}

func (t *adminTestTile) CacheKey() tilecache.CacheKey     { return t.key }
func (t *adminTestTile) Level() int                       { return 0 }
func (t *adminTestTile) BeingDrawn() bool                 { return false }
func (t *adminTestTile) LastTouchTime() int64             { return 0 }
func (t *adminTestTile) TiledImage() tilecache.TiledImage { return nil }
func (t *adminTestTile) Caches() []tilecache.CacheKey     { return []tilecache.CacheKey{t.key} }
func (t *adminTestTile) CacheSize() int                   { return 0 }
func (t *adminTestTile) Loaded() bool                     { return true }
func (t *adminTestTile) Unload()                          {}
