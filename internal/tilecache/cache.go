package tilecache

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// NoIndex marks the absence of a known tilesLoaded index for UnloadTile.
const NoIndex = -1

const defaultShardCount = 32

// tileCacheEntry is one row of the eviction-candidate sequence: a tile
// paired with the specific cache key its presence there accounts for.
type tileCacheEntry struct {
	tile TileRef
	key  CacheKey
}

// recordShard is one bucket of the live-record map, sharded by cache key
// so concurrent reads of distinct keys never contend on a single mutex.
// Grounded on nobletooth-kiwi's ShardedCache (pkg/cache/shard.go), which
// hashes keys with the same xxhash/v2 package to pick a bucket.
type recordShard struct {
	mu      sync.RWMutex
	records map[CacheKey]*CacheRecord
}

// TileCache owns the key->record map, the zombie map, and the eviction
// candidate sequence (spec §3/§4.2).
//
// Lock ordering: globalMu must be acquired before any shard's mu, never
// the reverse, matching spec §5's tier-map-lock-first guidance. Exactly
// one goroutine at a time holds globalMu, so internal helpers suffixed
// Locked assume it is already held and never try to reacquire it
// (sync.Mutex is not reentrant). A shard's RWMutex is taken either on its
// own (the live lookup in GetCacheRecord, record creation in
// findOrCreate), always released before globalMu is taken, or nested
// inside globalMu (revive, unload), so no lock-order cycle is possible
// between the two.
type TileCache struct {
	globalMu sync.Mutex

	liveShards  []*recordShard
	zombies     map[CacheKey]*CacheRecord
	tilesLoaded []tileCacheEntry

	liveCount   int
	zombieCount int
	capacity    int

	registry ConversionRegistry
	logger   *zap.Logger
	metrics  *cacheMetrics
	creation singleflight.Group
}

// Option configures a TileCache at construction time.
type Option func(*TileCache)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *TileCache) { c.logger = logger }
}

// WithMetricsRegisterer registers the cache's Prometheus collectors
// against reg instead of the default registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *TileCache) { c.metrics = newCacheMetrics(reg) }
}

// WithShardCount overrides the default live-record shard count. Mostly
// useful for tests exercising shard-boundary behavior deterministically.
func WithShardCount(n int) Option {
	return func(c *TileCache) {
		if n > 0 {
			c.liveShards = make([]*recordShard, n)
			for i := range c.liveShards {
				c.liveShards[i] = &recordShard{records: make(map[CacheKey]*CacheRecord)}
			}
		}
	}
}

// New builds a TileCache with the given steady-state capacity
// (maxImageCacheCount) and conversion registry.
func New(capacity int, registry ConversionRegistry, opts ...Option) *TileCache {
	c := &TileCache{
		zombies:  make(map[CacheKey]*CacheRecord),
		capacity: capacity,
		registry: registry,
		logger:   zap.NewNop(),
	}
	c.liveShards = make([]*recordShard, defaultShardCount)
	for i := range c.liveShards {
		c.liveShards[i] = &recordShard{records: make(map[CacheKey]*CacheRecord)}
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newCacheMetrics(prometheus.DefaultRegisterer)
	}
	return c
}

func (c *TileCache) shardFor(key CacheKey) *recordShard {
	h := xxhash.Sum64String(string(key))
	return c.liveShards[h%uint64(len(c.liveShards))]
}

// GetCacheRecord returns live[key] or zombies[key], whichever exists. The
// live lookup never touches globalMu, so it never contends with a
// concurrent eviction pass working a different key.
func (c *TileCache) GetCacheRecord(key CacheKey) (*CacheRecord, bool) {
	shard := c.shardFor(key)
	shard.mu.RLock()
	rec, ok := shard.records[key]
	shard.mu.RUnlock()
	if ok {
		return rec, true
	}

	c.globalMu.Lock()
	rec, ok = c.zombies[key]
	c.globalMu.Unlock()
	return rec, ok
}

// CacheTileRequest is the argument bundle for CacheTile (spec §4.2).
type CacheTileRequest struct {
	Tile     TileRef
	Key      CacheKey // optional; defaults to Tile.CacheKey()
	Data     []byte
	DataType Format
	Cutoff   int
}

// CacheTile finds or creates the record for the request's cache key,
// links tile to it, and runs an eviction pass if the cache is over
// capacity (spec §4.2 steps 1-10).
func (c *TileCache) CacheTile(ctx context.Context, req CacheTileRequest) (*CacheRecord, error) {
	if req.Tile == nil {
		return nil, fmt.Errorf("cacheTile: nil tile: %w", ErrContractMisuse)
	}
	key := req.Key
	if key == "" {
		key = req.Tile.CacheKey()
	}

	rec, created, revived, err := c.findOrCreate(ctx, key, req.Data)
	if err != nil {
		return nil, err
	}

	dataType := req.DataType
	if dataType == "" && req.Data != nil {
		dataType = c.registry.GuessType(req.Data)
		c.logger.Warn("cacheTile: data type not supplied, guessed from payload",
			zap.String("key", string(key)), zap.String("guessed", string(dataType)))
	}

	rec.AddTile(req.Tile, req.Data, dataType)

	if key == req.Tile.CacheKey() {
		if owner := req.Tile.TiledImage(); owner != nil {
			owner.SetNeedsDraw(true)
		}
	}

	c.metrics.observeInsert(created, revived)

	c.globalMu.Lock()
	freedIdx, pending := c.runEvictionPassLocked(req.Cutoff)
	insertIdx := len(c.tilesLoaded)
	if freedIdx != NoIndex {
		insertIdx = freedIdx
	}
	switch {
	case req.Tile.CacheSize() == 0:
		entry := tileCacheEntry{tile: req.Tile, key: key}
		if insertIdx >= len(c.tilesLoaded) {
			c.tilesLoaded = append(c.tilesLoaded, entry)
		} else {
			c.tilesLoaded[insertIdx] = entry
		}
	case freedIdx != NoIndex:
		c.removeTilesLoadedAtLocked(insertIdx)
	}
	c.metrics.setCounts(c.liveCount, c.zombieCount, len(c.tilesLoaded))
	c.globalMu.Unlock()
	if pending != nil {
		pending()
	}

	return rec, nil
}

// findOrCreate resolves the record for key, creating or reviving it as
// needed. Concurrent creates for the same never-seen key are coalesced
// via singleflight so two racing first-touches build exactly one record.
func (c *TileCache) findOrCreate(ctx context.Context, key CacheKey, data []byte) (rec *CacheRecord, created, revived bool, err error) {
	if rec, ok := c.GetCacheRecord(key); ok {
		c.globalMu.Lock()
		_, isZombie := c.zombies[key]
		if isZombie {
			c.reviveLocked(key, rec)
		}
		c.globalMu.Unlock()
		return rec, false, isZombie, nil
	}

	if data == nil {
		return nil, false, false, fmt.Errorf("cacheTile: no record for key %q and no data to create one: %w", key, ErrContractMisuse)
	}

	v, err, _ := c.creation.Do(string(key), func() (any, error) {
		if rec, ok := c.GetCacheRecord(key); ok {
			return rec, nil
		}
		rec := newCacheRecord(key, c.registry, c.logger, c.metrics)
		shard := c.shardFor(key)
		shard.mu.Lock()
		shard.records[key] = rec
		shard.mu.Unlock()
		c.globalMu.Lock()
		c.liveCount++
		c.globalMu.Unlock()
		return rec, nil
	})
	if err != nil {
		return nil, false, false, err
	}
	return v.(*CacheRecord), true, false, nil
}

// reviveLocked moves a zombie back to live. rec.Revive() only runs when
// the zombie is not currently loaded — e.g. it was destroyed and a late
// conversion result never repopulated it. The common case, a zombie
// that still holds its payload, is reattached as-is: the zombie ->
// revive -> Loaded transition in spec §9 is meant to restore a usable
// record, not to discard one that already has data.
func (c *TileCache) reviveLocked(key CacheKey, rec *CacheRecord) {
	if !rec.Loaded() {
		rec.Revive()
	}
	delete(c.zombies, key)
	c.zombieCount--
	c.liveCount++
	shard := c.shardFor(key)
	shard.mu.Lock()
	shard.records[key] = rec
	shard.mu.Unlock()
}

// runEvictionPassLocked evicts one record if the cache is over capacity,
// preferring any zombie over an LRU-with-level-tiebreak live victim
// (spec §4.2 step 8). Caller holds globalMu. Returns the tilesLoaded
// index freed by an evicted live tile (or NoIndex if no live eviction
// happened) plus a closure the caller must run after releasing
// globalMu — it is nil when nothing needs to run.
func (c *TileCache) runEvictionPassLocked(cutoff int) (int, func()) {
	if c.liveCount+c.zombieCount <= c.capacity {
		return NoIndex, nil
	}

	if c.zombieCount > 0 {
		for key, rec := range c.zombies {
			delete(c.zombies, key)
			c.zombieCount--
			rec.Destroy()
			c.metrics.observeEviction("zombie")
			return NoIndex, nil
		}
	}

	victimIdx := NoIndex
	var victimScore [2]int64 // lastTouchTime, -level
	for i := len(c.tilesLoaded) - 1; i >= 0; i-- {
		t := c.tilesLoaded[i].tile
		if t.Level() <= cutoff || t.BeingDrawn() {
			continue
		}
		score := [2]int64{t.LastTouchTime(), -int64(t.Level())}
		if victimIdx == NoIndex || less(score, victimScore) {
			victimIdx = i
			victimScore = score
		}
	}
	if victimIdx == NoIndex {
		return NoIndex, nil
	}

	// NoIndex, not victimIdx: unloadTileLocked must not splice tilesLoaded
	// here. The caller (CacheTile) still needs victimIdx to name a valid
	// slot to overwrite or remove after this returns; splicing now would
	// shift every later entry left by one and make that index alias a
	// different, still-live tile.
	victim := c.tilesLoaded[victimIdx].tile
	pending := c.unloadTileLocked(victim, true, NoIndex)
	c.metrics.observeEviction("lru")
	return victimIdx, pending
}

func less(a, b [2]int64) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// UnloadCacheForTile decouples one tile from one cache key (spec §4.2
// unloadCacheForTile).
func (c *TileCache) UnloadCacheForTile(tile TileRef, key CacheKey, destroy bool) bool {
	c.globalMu.Lock()
	ok := c.unloadCacheForTileLocked(tile, key, destroy)
	c.globalMu.Unlock()
	return ok
}

func (c *TileCache) unloadCacheForTileLocked(tile TileRef, key CacheKey, destroy bool) bool {
	shard := c.shardFor(key)
	shard.mu.RLock()
	rec, ok := shard.records[key]
	shard.mu.RUnlock()
	if !ok {
		c.logger.Warn("unloadCacheForTile: no live record for key",
			zap.String("key", string(key)),
			zap.Error(fmt.Errorf("unloadCacheForTile %q: %w", key, ErrInconsistency)))
		return false
	}

	if !rec.RemoveTile(tile) {
		c.logger.Error("unloadCacheForTile: tile not present in record",
			zap.String("key", string(key)),
			zap.Error(fmt.Errorf("unloadCacheForTile %q: tile not attached: %w", key, ErrInconsistency)))
		return false
	}

	if rec.TileCount() == 0 {
		shard.mu.Lock()
		delete(shard.records, key)
		shard.mu.Unlock()
		c.liveCount--
		if destroy {
			rec.Destroy()
		} else {
			c.zombies[key] = rec
			c.zombieCount++
		}
	}
	return true
}

// UnloadTile fully detaches tile from every cache key it contributes to
// (spec §4.2 unloadTile). Pass NoIndex for deleteAtIndex when the
// caller does not know the tile's position in the eviction sequence.
func (c *TileCache) UnloadTile(tile TileRef, destroy bool, deleteAtIndex int) {
	c.globalMu.Lock()
	pending := c.unloadTileLocked(tile, destroy, deleteAtIndex)
	c.globalMu.Unlock()
	pending()
}

// unloadTileLocked performs the tier-map side of unloadTile and returns a
// closure for the external callbacks (tile.Unload, viewer event) that
// must run outside globalMu. Caller holds globalMu.
func (c *TileCache) unloadTileLocked(tile TileRef, destroy bool, deleteAtIndex int) (pending func()) {
	for _, key := range tile.Caches() {
		c.unloadCacheForTileLocked(tile, key, destroy)
	}
	if deleteAtIndex != NoIndex {
		c.removeTilesLoadedAtLocked(deleteAtIndex)
	}
	return func() {
		tile.Unload()
		owner := tile.TiledImage()
		if owner == nil {
			return
		}
		if viewer := owner.Viewer(); viewer != nil {
			viewer.RaiseEvent("tile-unloaded", TileUnloadedEvent{
				Tile:       tile,
				TiledImage: owner,
				Destroyed:  destroy,
			})
		}
	}
}

func (c *TileCache) removeTilesLoadedAtLocked(idx int) {
	if idx < 0 || idx >= len(c.tilesLoaded) {
		return
	}
	c.tilesLoaded = append(c.tilesLoaded[:idx], c.tilesLoaded[idx+1:]...)
}

// ClearTilesFor bulk-removes every tile owned by owner (spec §4.2
// clearTilesFor).
func (c *TileCache) ClearTilesFor(owner TiledImage) {
	c.globalMu.Lock()

	overflow := c.liveCount+c.zombieCount > c.capacity
	if !owner.ZombieCacheEnabled() && overflow {
		for key, rec := range c.zombies {
			delete(c.zombies, key)
			rec.Destroy()
		}
		c.zombieCount = 0
		overflow = c.liveCount+c.zombieCount > c.capacity
	}

	var pendings []func()
	for i := len(c.tilesLoaded) - 1; i >= 0; i-- {
		t := c.tilesLoaded[i].tile
		if t.TiledImage() != owner {
			continue
		}
		if !t.Loaded() {
			c.removeTilesLoadedAtLocked(i)
			continue
		}
		destroy := !owner.ZombieCacheEnabled() || overflow
		pendings = append(pendings, c.unloadTileLocked(t, destroy, i))
	}
	c.metrics.setCounts(c.liveCount, c.zombieCount, len(c.tilesLoaded))
	c.globalMu.Unlock()

	for _, p := range pendings {
		p()
	}
}

// NumTilesLoaded reports the length of the eviction-candidate sequence.
func (c *TileCache) NumTilesLoaded() int {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return len(c.tilesLoaded)
}

// NumCachesLoaded reports the number of live plus zombie records.
func (c *TileCache) NumCachesLoaded() int {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return c.liveCount + c.zombieCount
}
