// Package tilecache holds decoded tile payloads in memory, shares a single
// payload across every tile that references the same cache key, converts
// payloads between representation formats on demand, and evicts records
// under a configurable capacity bound.
package tilecache

import "context"

// Format names a payload representation. The alphabet is owned by the
// ConversionRegistry; the cache treats it as an opaque tag.
type Format string

// CacheKey identifies the source content behind a tile's payload. Equal
// keys imply interchangeable payloads.
type CacheKey string

// TileRef is an opaque handle to a Tile. The cache never dereferences it
// for mutation beyond calling the Tile interface's own methods.
type TileRef = Tile

// Tile is the external tile contract consumed by the cache (spec §6).
type Tile interface {
	// CacheKey is this tile's primary cache key.
	CacheKey() CacheKey
	// Level is the zoom level this tile was fetched at; higher is more
	// detailed.
	Level() int
	// BeingDrawn reports whether the drawer currently holds this tile.
	BeingDrawn() bool
	// LastTouchTime orders eviction candidates (oldest first); Level breaks
	// ties between equal touch times.
	LastTouchTime() int64
	// TiledImage is this tile's owner.
	TiledImage() TiledImage
	// Caches lists every cache key this tile contributes payload size
	// under (its primary key plus any auxiliary keys).
	Caches() []CacheKey
	// CacheSize reports how many cache rows this tile already occupies in
	// TileCache.tilesLoaded.
	CacheSize() int
	// Loaded reports whether the tile has finished loading.
	Loaded() bool
	// Unload releases any tile-owned resources. Called once per
	// UnloadTile.
	Unload()
}

// TiledImage is the external tiled-image contract (spec §6).
type TiledImage interface {
	// SetNeedsDraw marks the tiled image's next frame dirty.
	SetNeedsDraw(bool)
	// ZombieCacheEnabled reports whether records with no referring tile
	// from this image should be retained as zombies rather than
	// destroyed outright.
	ZombieCacheEnabled() bool
	// Viewer is this tiled image's owning viewer.
	Viewer() Viewer
}

// Viewer is the external viewer contract (spec §6): the only surface the
// cache uses to notify the outside world of lifecycle events.
type Viewer interface {
	RaiseEvent(name string, payload any)
}

// TileUnloadedEvent is the payload of the "tile-unloaded" event.
type TileUnloadedEvent struct {
	Tile       Tile
	TiledImage TiledImage
	Destroyed  bool
}

// ConversionEdge is one step of a conversion path: apply Transform to
// convert a payload from Origin to Target.
type ConversionEdge struct {
	Origin    Format
	Target    Format
	Transform func(ctx context.Context, data []byte) ([]byte, error)
}

// ConversionRegistry is the external conversion-graph collaborator (spec
// §6). It is the only component in the system aware of concrete payload
// variants; the cache treats payload bytes as opaque.
type ConversionRegistry interface {
	// ConversionPath returns an ordered sequence of edges converting from
	// -> to, or nil if no route exists.
	ConversionPath(from, to Format) []ConversionEdge
	// Convert is a one-shot convenience equivalent to resolving
	// ConversionPath and applying every edge.
	Convert(ctx context.Context, data []byte, from, to Format) ([]byte, error)
	// Copy deep-copies data within a single format.
	Copy(ctx context.Context, data []byte, format Format) ([]byte, error)
	// Destroy releases any resources associated with data. Type-specific;
	// a no-op for plain byte buffers.
	Destroy(data []byte, format Format)
	// GuessType infers a best-effort format tag for data.
	GuessType(data []byte) Format
}
