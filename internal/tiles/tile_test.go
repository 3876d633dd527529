package tiles

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

func TestTile_CachesReturnsPrimaryThenAux(t *testing.T) {
	owner := NewTiledImage("img1", true, NewViewer())
	tile := NewTile(owner, "primary", 3, "aux1", "aux2")

	assert.Equal(t, []tilecache.CacheKey{"primary", "aux1", "aux2"}, tile.Caches())
	assert.Equal(t, "primary", string(tile.CacheKey()))
	assert.Equal(t, 3, tile.Level())
}

func TestTile_TouchAndBeingDrawn(t *testing.T) {
	tile := NewTile(nil, "k", 0)
	assert.Equal(t, int64(0), tile.LastTouchTime())
	tile.Touch(42)
	assert.Equal(t, int64(42), tile.LastTouchTime())

	assert.False(t, tile.BeingDrawn())
	tile.SetBeingDrawn(true)
	assert.True(t, tile.BeingDrawn())
}

func TestTile_TiledImageNilOwnerReturnsNilInterface(t *testing.T) {
	tile := NewTile(nil, "k", 0)
	assert.Nil(t, tile.TiledImage())
}

func TestTile_LoadedAndCacheSize(t *testing.T) {
	tile := NewTile(nil, "k", 0)
	assert.False(t, tile.Loaded())
	tile.MarkLoaded(true)
	assert.True(t, tile.Loaded())

	assert.Equal(t, 0, tile.CacheSize())
	tile.MarkCached()
	tile.MarkCached()
	assert.Equal(t, 2, tile.CacheSize())
}

func TestTile_UnloadFiresRegisteredCallbackOnce(t *testing.T) {
	tile := NewTile(nil, "k", 0)
	calls := 0
	tile.OnUnload(func() { calls++ })

	tile.Unload()
	tile.Unload()

	assert.Equal(t, 1, calls, "OnUnload's callback must fire exactly once per registration")
}

func TestTile_UnloadWithNoCallbackIsSafe(t *testing.T) {
	tile := NewTile(nil, "k", 0)
	assert.NotPanics(t, func() { tile.Unload() })
}

func TestTiledImage_NeedsDrawDefaultsFalse(t *testing.T) {
	ti := NewTiledImage("img1", false, nil)
	assert.False(t, ti.NeedsDraw())
	ti.SetNeedsDraw(true)
	assert.True(t, ti.NeedsDraw())
	assert.False(t, ti.ZombieCacheEnabled())
}

func TestTiledImage_ViewerNilWhenUnset(t *testing.T) {
	ti := NewTiledImage("img1", true, nil)
	assert.Nil(t, ti.Viewer())
}

func TestViewer_RaiseEventDispatchesToRegisteredListeners(t *testing.T) {
	v := NewViewer()
	var got []any
	v.On("tile-unloaded", func(payload any) { got = append(got, payload) })
	v.On("tile-unloaded", func(payload any) { got = append(got, payload) })

	v.RaiseEvent("tile-unloaded", "P1")
	v.RaiseEvent("other-event", "P2")

	assert.Equal(t, []any{"P1", "P1"}, got, "only listeners registered for the raised event name should fire")
}

func TestViewer_RaiseEventWithNoListenersIsSafe(t *testing.T) {
	v := NewViewer()
	assert.NotPanics(t, func() { v.RaiseEvent("nothing-registered", nil) })
}
