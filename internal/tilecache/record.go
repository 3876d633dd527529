package tilecache

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// CacheRecord holds one cached payload in one current format, coordinates
// asynchronous format conversion, and tracks the tiles currently referring
// to it (spec §3/§4.1).
//
// Only one conversion or overwrite runs at a time per record; operations
// issued while one is in flight are appended to pendingOps and run in
// order once the current one completes (spec §5's per-record FIFO
// guarantee). There is no per-record lock contention on the slow path:
// pendingOps plus the busy flag substitute for it, matching a
// single-threaded cooperative scheduler's semantics on top of real
// goroutines.
type CacheRecord struct {
	mu sync.Mutex

	key      CacheKey
	registry ConversionRegistry
	logger   *zap.Logger
	metrics  *cacheMetrics

	payload []byte
	format  Format
	loaded  bool
	tiles   map[TileRef]struct{}
	ready   *Future

	busy       bool
	pendingOps []func()
	destroyed  bool
}

func newCacheRecord(key CacheKey, registry ConversionRegistry, logger *zap.Logger, metrics *cacheMetrics) *CacheRecord {
	return &CacheRecord{
		key:      key,
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		tiles:    make(map[TileRef]struct{}),
	}
}

// Revive resets a fresh or destroyed record to empty state. It must not be
// called on a currently loaded record; callers destroy first.
func (r *CacheRecord) Revive() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		r.logger.Error("revive called on a loaded record", zap.String("key", string(r.key)))
		return
	}
	r.tiles = make(map[TileRef]struct{})
	r.payload = nil
	r.format = ""
	r.loaded = false
	r.ready = nil
	r.destroyed = false
}

// AddTile attaches tile to this record, adopting (data, format) as the
// initial payload if the record has no payload yet. A payload already
// present in a different format silently wins; the incoming data is
// ignored, since cache keys are assumed content-equivalent (spec §4.1).
func (r *CacheRecord) AddTile(tile TileRef, data []byte, format Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if _, ok := r.tiles[tile]; ok {
		// Re-adding an already-attached tile: detach then reattach below.
		// The net effect is an unchanged TileCount with no payload change;
		// spec §9 preserves this observable behavior without guessing at
		// the source's intent.
		delete(r.tiles, tile)
	}
	if !r.loaded {
		r.payload = data
		r.format = format
		r.loaded = true
		r.ready = resolvedFuture(data)
	}
	r.tiles[tile] = struct{}{}
}

// RemoveTile detaches tile from this record, reporting whether it was
// present.
func (r *CacheRecord) RemoveTile(tile TileRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return false
	}
	if _, ok := r.tiles[tile]; !ok {
		return false
	}
	delete(r.tiles, tile)
	return true
}

// TileCount reports the number of tiles currently referring to this
// record, or 0 if destroyed.
func (r *CacheRecord) TileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return 0
	}
	return len(r.tiles)
}

// Loaded reports whether payload is present and consistent with format.
func (r *CacheRecord) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Format reports the record's current (or speculative target, while
// converting) format.
func (r *CacheRecord) Format() Format {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

// Destroyed reports whether the record has been destroyed.
func (r *CacheRecord) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// Key returns the cache key this record was created for.
func (r *CacheRecord) Key() CacheKey {
	return r.key
}

// GetDataAs returns a Future resolving to the payload in the requested
// format. When format equals the current format and the record is
// already loaded, this never touches the conversion path: it shares the
// current ready handle (copy=false) or hands back a fresh deep copy
// (copy=true).
func (r *CacheRecord) GetDataAs(ctx context.Context, format Format, copy bool) *Future {
	r.mu.Lock()
	loaded := r.loaded
	curFormat := r.format
	curData := r.payload
	ready := r.ready
	r.mu.Unlock()

	if loaded && format == curFormat {
		if !copy {
			return ready
		}
		out := newFuture()
		go func() {
			data, err := r.registry.Copy(ctx, curData, curFormat)
			out.resolve(data, err)
		}()
		return out
	}

	out := newFuture()
	if ready == nil {
		out.resolve(nil, fmt.Errorf("getDataAs on unpopulated record: %w", ErrContractMisuse))
		return out
	}
	go func() {
		data, err := ready.Wait(ctx)
		if err != nil {
			out.resolve(nil, err)
			return
		}
		r.mu.Lock()
		destroyed := r.destroyed
		nowFormat := r.format
		r.mu.Unlock()
		if destroyed {
			out.resolve(nil, ErrDestroyed)
			return
		}
		if format != nowFormat {
			converted, cerr := r.registry.Convert(ctx, data, nowFormat, format)
			out.resolve(converted, cerr)
			return
		}
		if copy {
			copied, cerr := r.registry.Copy(ctx, data, nowFormat)
			out.resolve(copied, cerr)
			return
		}
		out.resolve(data, nil)
	}()
	return out
}

// SetDataAs overwrites the record's payload, returning a Future that
// resolves to the payload that was replaced. If an operation is already
// in flight, this enqueues behind it and resolves in FIFO order.
func (r *CacheRecord) SetDataAs(ctx context.Context, data []byte, format Format) *Future {
	out := newFuture()
	r.runOrEnqueue(func() {
		r.overwriteData(ctx, data, format, out)
	})
	return out
}

func (r *CacheRecord) overwriteData(ctx context.Context, data []byte, format Format, out *Future) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.registry.Destroy(data, format)
		out.resolve(nil, ErrDestroyed)
		r.afterJobDone()
		return
	}

	if r.loaded {
		oldData, oldFormat := r.payload, r.format
		r.registry.Destroy(oldData, oldFormat)
		r.payload = data
		r.format = format
		r.ready = resolvedFuture(data)
		tiles := snapshotTiles(r.tiles)
		r.mu.Unlock()
		fireNeedsDraw(tiles)
		out.resolve(oldData, nil)
		r.afterJobDone()
		return
	}

	ready := r.ready
	r.mu.Unlock()
	go func() {
		oldData, err := ready.Wait(ctx)
		r.mu.Lock()
		if r.destroyed {
			r.mu.Unlock()
			r.registry.Destroy(data, format)
			out.resolve(nil, ErrDestroyed)
			r.afterJobDone()
			return
		}
		if err == nil {
			r.registry.Destroy(oldData, r.format)
		}
		r.payload = data
		r.format = format
		r.loaded = true
		r.ready = resolvedFuture(data)
		tiles := snapshotTiles(r.tiles)
		r.mu.Unlock()
		fireNeedsDraw(tiles)
		out.resolve(oldData, nil)
		r.afterJobDone()
	}()
}

// TransformTo converts the record's payload in place to format, returning
// a Future resolving to the new payload. A loaded record already in format
// returns its ready handle directly. Per spec §9's open question, a call
// made while the record is not loaded still pipes through the pending-ops
// queue even when format matches the in-flight target, rather than
// short-circuiting, preserving FIFO ordering against any queued operation.
func (r *CacheRecord) TransformTo(ctx context.Context, format Format) *Future {
	r.mu.Lock()
	if r.loaded && r.format == format {
		ready := r.ready
		r.mu.Unlock()
		return ready
	}
	r.mu.Unlock()

	out := newFuture()
	r.runOrEnqueue(func() {
		r.mu.Lock()
		if r.destroyed {
			r.mu.Unlock()
			out.resolve(nil, ErrDestroyed)
			r.afterJobDone()
			return
		}
		if r.loaded && r.format == format {
			ready := r.ready
			r.mu.Unlock()
			data, err := ready.Wait(ctx)
			out.resolve(data, err)
			r.afterJobDone()
			return
		}
		from := r.format
		r.mu.Unlock()
		r.runConvert(ctx, from, format, out)
	})
	return out
}

// runConvert is the engine of asynchronous conversion (spec §4.1 _convert).
// It must be called from within a job already holding the busy slot; it
// calls afterJobDone exactly once, on every exit path, to release it.
func (r *CacheRecord) runConvert(ctx context.Context, from, to Format, out *Future) {
	path := r.registry.ConversionPath(from, to)
	if len(path) == 0 {
		r.logger.Warn("no conversion path found, record unchanged",
			zap.String("key", string(r.key)), zap.String("from", string(from)), zap.String("to", string(to)))
		r.metrics.observeConversion("unreachable", 0)
		out.resolve(nil, fmt.Errorf("%s -> %s: %w", from, to, ErrUnreachableType))
		r.afterJobDone()
		return
	}

	r.mu.Lock()
	original := r.payload
	originalFormat := r.format
	r.loaded = false
	r.payload = nil
	r.format = to
	newReady := newFuture()
	r.ready = newReady
	r.mu.Unlock()

	go func() {
		// prev is tracked separately from original: only intermediates
		// produced partway through the chain are destroyed as the loop
		// advances. original is the rollback target if any edge fails, so
		// it must stay untouched until the whole chain commits — destroying
		// it early (as part of the generic "destroy the previous step's
		// input" cleanup) would hand rollbackConversion an already-released
		// buffer on a later failure.
		prev := original
		for i, edge := range path {
			result, err := edge.Transform(ctx, prev)
			if err != nil || result == nil {
				r.logger.Warn("conversion step failed, rolling back to original format",
					zap.String("key", string(r.key)),
					zap.String("origin", string(edge.Origin)), zap.String("target", string(edge.Target)),
					zap.Error(err))
				r.rollbackConversion(original, originalFormat, from, to, len(path), newReady, out)
				return
			}
			if i > 0 {
				r.registry.Destroy(prev, edge.Origin)
			}
			prev = result
		}
		r.registry.Destroy(original, originalFormat)
		current := prev

		r.mu.Lock()
		if r.destroyed {
			r.mu.Unlock()
			r.registry.Destroy(current, to)
			newReady.resolve(nil, ErrDestroyed)
			out.resolve(nil, ErrDestroyed)
			r.afterJobDone()
			return
		}
		r.payload = current
		r.format = to
		r.loaded = true
		r.mu.Unlock()
		r.metrics.observeConversion("ok", len(path))
		newReady.resolve(current, nil)
		out.resolve(current, nil)
		r.afterJobDone()
	}()
}

func (r *CacheRecord) rollbackConversion(original []byte, originalFormat, from, to Format, pathLen int, newReady, out *Future) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		r.registry.Destroy(original, originalFormat)
		newReady.resolve(nil, ErrDestroyed)
		out.resolve(nil, ErrDestroyed)
		r.afterJobDone()
		return
	}
	r.payload = original
	r.format = originalFormat
	r.loaded = true
	r.mu.Unlock()
	r.metrics.observeConversion("rollback", pathLen)
	newReady.resolve(original, nil)
	out.resolve(original, fmt.Errorf("conversion %s -> %s: %w", from, to, ErrConversionFailed))
	r.afterJobDone()
}

// Await returns ready if present, else an immediately-resolved empty
// eventual.
func (r *CacheRecord) Await() *Future {
	r.mu.Lock()
	ready := r.ready
	r.mu.Unlock()
	if ready != nil {
		return ready
	}
	return resolvedFuture(nil)
}

// Destroy releases the record. Late-resolving conversions release their
// intermediate payload and do not re-populate the record (unless a
// Revive happened first, in which case the record is live again and this
// destroy's chained cleanup is a no-op on the new state).
func (r *CacheRecord) Destroy() {
	r.mu.Lock()
	r.pendingOps = nil
	r.destroyed = true

	if r.loaded {
		data, format := r.payload, r.format
		r.payload = nil
		r.format = ""
		r.loaded = false
		r.mu.Unlock()
		r.registry.Destroy(data, format)
		return
	}

	ready := r.ready
	r.loaded = false
	r.mu.Unlock()

	if ready == nil {
		return
	}
	go func() {
		data, err := ready.Wait(context.Background())
		if err != nil {
			return
		}
		r.mu.Lock()
		stillDestroyed := r.destroyed
		format := r.format
		r.mu.Unlock()
		if stillDestroyed {
			r.registry.Destroy(data, format)
		}
	}()
}

// runOrEnqueue runs job immediately if no operation is in flight, else
// appends it to pendingOps for FIFO execution once the current one
// completes.
func (r *CacheRecord) runOrEnqueue(job func()) {
	r.mu.Lock()
	if r.busy {
		r.pendingOps = append(r.pendingOps, job)
		r.mu.Unlock()
		return
	}
	r.busy = true
	r.mu.Unlock()
	job()
}

// afterJobDone is the Go reading of spec §4.1's _checkAwaitsConvert: it
// yields once to the scheduler before dequeuing the next job, giving any
// synchronous continuation of the completing Future a chance to enqueue
// further work first, then re-checks destroyed and non-emptiness before
// dequeuing.
func (r *CacheRecord) afterJobDone() {
	runtime.Gosched()
	r.mu.Lock()
	if r.destroyed || len(r.pendingOps) == 0 {
		r.busy = false
		r.mu.Unlock()
		return
	}
	next := r.pendingOps[0]
	r.pendingOps = r.pendingOps[1:]
	r.mu.Unlock()
	next()
}

func snapshotTiles(tiles map[TileRef]struct{}) []TileRef {
	out := make([]TileRef, 0, len(tiles))
	for t := range tiles {
		out = append(out, t)
	}
	return out
}

// fireNeedsDraw marks every referring tile's owning tiled image dirty.
// Called whenever a payload is replaced or overwritten — never on a mere
// conversion (spec §4.1's needs-draw side effect).
func fireNeedsDraw(tiles []TileRef) {
	for _, t := range tiles {
		t.TiledImage().SetNeedsDraw(true)
	}
}
