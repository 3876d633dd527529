package tilecache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// identityRegistry is a fake ConversionRegistry for tests: no conversion
// path exists until a test registers one with withPath, so a test can
// force an observable conversion or an unreachable one. Destroy records
// the call and then runs destroyHook, if set.
type identityRegistry struct {
	mu          sync.Mutex
	destroyed   [][]byte
	destroyHook func(data []byte, format Format)
	paths       map[[2]Format][]ConversionEdge
}

func newIdentityRegistry() *identityRegistry {
	return &identityRegistry{paths: make(map[[2]Format][]ConversionEdge)}
}

func (r *identityRegistry) withPath(from, to Format, edges ...ConversionEdge) *identityRegistry {
	r.paths[[2]Format{from, to}] = edges
	return r
}

func (r *identityRegistry) ConversionPath(from, to Format) []ConversionEdge {
	return r.paths[[2]Format{from, to}]
}

func (r *identityRegistry) Convert(ctx context.Context, data []byte, from, to Format) ([]byte, error) {
	path := r.ConversionPath(from, to)
	current := data
	for _, edge := range path {
		out, err := edge.Transform(ctx, current)
		if err != nil {
			return nil, err
		}
		current = out
	}
	return current, nil
}

func (r *identityRegistry) Copy(ctx context.Context, data []byte, format Format) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (r *identityRegistry) Destroy(data []byte, format Format) {
	r.mu.Lock()
	r.destroyed = append(r.destroyed, data)
	hook := r.destroyHook
	r.mu.Unlock()
	if hook != nil {
		hook(data, format)
	}
}

func (r *identityRegistry) destroyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.destroyed)
}

func (r *identityRegistry) GuessType(data []byte) Format { return "raw" }

// fakeTiledImage and fakeViewer satisfy TiledImage/Viewer for tests.
type fakeViewer struct {
	mu     sync.Mutex
	events []TileUnloadedEvent
}

func (v *fakeViewer) RaiseEvent(name string, payload any) {
	if name != "tile-unloaded" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, payload.(TileUnloadedEvent))
}

func (v *fakeViewer) eventCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.events)
}

type fakeTiledImage struct {
	zombieCache atomic.Bool
	needsDraw   atomic.Bool
	viewer      *fakeViewer
}

func newFakeTiledImage(zombieCache bool) *fakeTiledImage {
	ti := &fakeTiledImage{viewer: &fakeViewer{}}
	ti.zombieCache.Store(zombieCache)
	return ti
}

func (ti *fakeTiledImage) SetNeedsDraw(v bool)      { ti.needsDraw.Store(v) }
func (ti *fakeTiledImage) ZombieCacheEnabled() bool { return ti.zombieCache.Load() }
func (ti *fakeTiledImage) Viewer() Viewer           { return ti.viewer }

// fakeTile satisfies Tile for tests.
type fakeTile struct {
	id         string
	key        CacheKey
	auxKeys    []CacheKey
	level      int
	beingDrawn atomic.Bool
	touchTime  atomic.Int64
	owner      *fakeTiledImage
	loaded     atomic.Bool
	cacheSize  atomic.Int32
	unloaded   atomic.Int32
}

func newFakeTile(id string, key CacheKey, level int, owner *fakeTiledImage) *fakeTile {
	t := &fakeTile{id: id, key: key, level: level, owner: owner}
	t.loaded.Store(true)
	return t
}

func (t *fakeTile) CacheKey() CacheKey { return t.key }
func (t *fakeTile) Level() int         { return t.level }
func (t *fakeTile) BeingDrawn() bool   { return t.beingDrawn.Load() }
func (t *fakeTile) LastTouchTime() int64 {
	return t.touchTime.Load()
}
func (t *fakeTile) setTouch(v int64) { t.touchTime.Store(v) }
func (t *fakeTile) TiledImage() TiledImage {
	if t.owner == nil {
		return nil
	}
	return t.owner
}
func (t *fakeTile) Caches() []CacheKey {
	out := append([]CacheKey{t.key}, t.auxKeys...)
	return out
}
func (t *fakeTile) CacheSize() int { return int(t.cacheSize.Load()) }
func (t *fakeTile) Loaded() bool   { return t.loaded.Load() }
func (t *fakeTile) Unload()        { t.unloaded.Add(1) }

func testLogger() *zap.Logger { return zap.NewNop() }

// testMetrics builds a cacheMetrics on a fresh, private registry so
// parallel tests never collide on promauto's global default registry.
func testMetrics() *cacheMetrics { return newCacheMetrics(prometheus.NewRegistry()) }
