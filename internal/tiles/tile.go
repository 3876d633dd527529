// Package tiles provides minimal concrete collaborators satisfying the
// tile cache's Tile/TiledImage/Viewer contracts, plus a viewport walk
// that drives cache warmup the way the teacher's warmupTiles worker
// pool drives render warmup.
package tiles

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

// Tile is a concrete tilecache.Tile. Touch/SetBeingDrawn are called by
// the viewport simulator or an HTTP handler as draw state changes;
// everything else is read by the cache.
type Tile struct {
	id         uuid.UUID
	cacheKey   tilecache.CacheKey
	auxCaches  []tilecache.CacheKey
	level      int
	owner      *TiledImage
	beingDrawn atomic.Bool
	touchedAt  atomic.Int64
	loaded     atomic.Bool
	cacheSize  atomic.Int32

	mu         sync.Mutex
	unloadedFn func()
}

// NewTile builds a tile at level under owner, addressed primarily by
// key. Auxiliary cache keys (if any) are additional representations the
// tile also contributes payload size under — e.g. a thumbnail strip
// sharing a low-res record with neighboring tiles.
func NewTile(owner *TiledImage, key tilecache.CacheKey, level int, auxCaches ...tilecache.CacheKey) *Tile {
	t := &Tile{
		id:        uuid.New(),
		cacheKey:  key,
		auxCaches: auxCaches,
		level:     level,
		owner:     owner,
	}
	t.touchedAt.Store(0)
	return t
}

func (t *Tile) ID() uuid.UUID { return t.id }

func (t *Tile) CacheKey() tilecache.CacheKey { return t.cacheKey }

func (t *Tile) Level() int { return t.level }

func (t *Tile) BeingDrawn() bool { return t.beingDrawn.Load() }

// SetBeingDrawn marks whether the drawer currently holds this tile,
// making it (while true) exempt from eviction.
func (t *Tile) SetBeingDrawn(v bool) { t.beingDrawn.Store(v) }

func (t *Tile) LastTouchTime() int64 { return t.touchedAt.Load() }

// Touch records nowUnixNano as this tile's last-touch time, refreshing
// its position in the LRU-with-level-tiebreak eviction order.
func (t *Tile) Touch(nowUnixNano int64) { t.touchedAt.Store(nowUnixNano) }

func (t *Tile) TiledImage() tilecache.TiledImage {
	if t.owner == nil {
		return nil
	}
	return t.owner
}

func (t *Tile) Caches() []tilecache.CacheKey {
	out := make([]tilecache.CacheKey, 0, 1+len(t.auxCaches))
	out = append(out, t.cacheKey)
	out = append(out, t.auxCaches...)
	return out
}

func (t *Tile) CacheSize() int { return int(t.cacheSize.Load()) }

// MarkCached increments the count of distinct eviction-sequence rows
// this tile occupies, called by the cache caller after a successful
// CacheTile so the next call's tilesLoaded bookkeeping (spec §4.2 step
// 9) knows the tile already has a prior row.
func (t *Tile) MarkCached() { t.cacheSize.Add(1) }

func (t *Tile) Loaded() bool { return t.loaded.Load() }

// MarkLoaded flips the loaded flag once a fetch backing this tile
// completes.
func (t *Tile) MarkLoaded(v bool) { t.loaded.Store(v) }

// OnUnload registers a callback run exactly once, the next time Unload
// is invoked by the cache.
func (t *Tile) OnUnload(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unloadedFn = fn
}

func (t *Tile) Unload() {
	t.mu.Lock()
	fn := t.unloadedFn
	t.unloadedFn = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// TiledImage is a concrete tilecache.TiledImage: one source image's
// viewport state, the owner of a set of Tiles.
type TiledImage struct {
	id          string
	zombieCache bool
	viewer      *Viewer
	mu          sync.Mutex
	needsDraw   bool
}

func NewTiledImage(id string, zombieCacheEnabled bool, viewer *Viewer) *TiledImage {
	return &TiledImage{id: id, zombieCache: zombieCacheEnabled, viewer: viewer}
}

func (ti *TiledImage) ID() string { return ti.id }

func (ti *TiledImage) SetNeedsDraw(v bool) {
	ti.mu.Lock()
	ti.needsDraw = v
	ti.mu.Unlock()
}

func (ti *TiledImage) NeedsDraw() bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()
	return ti.needsDraw
}

func (ti *TiledImage) ZombieCacheEnabled() bool { return ti.zombieCache }

func (ti *TiledImage) Viewer() tilecache.Viewer {
	if ti.viewer == nil {
		return nil
	}
	return ti.viewer
}

// Viewer is a concrete tilecache.Viewer: a minimal event sink. A real
// viewer would forward these to the UI layer; this one exists so the
// HTTP demo server and tests can observe tile-unloaded events.
type Viewer struct {
	mu        sync.Mutex
	listeners map[string][]func(payload any)
}

func NewViewer() *Viewer {
	return &Viewer{listeners: make(map[string][]func(payload any))}
}

// On registers fn to run whenever event name is raised.
func (v *Viewer) On(name string, fn func(payload any)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners[name] = append(v.listeners[name], fn)
}

func (v *Viewer) RaiseEvent(name string, payload any) {
	v.mu.Lock()
	fns := append([]func(payload any){}, v.listeners[name]...)
	v.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}
