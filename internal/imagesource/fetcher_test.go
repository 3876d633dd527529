package imagesource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tiles"
)

func TestFetchTile_UnknownImageErrors(t *testing.T) {
	scanner := New(t.TempDir(), zap.NewNop())
	fetcher := NewFetcher(scanner)

	_, _, err := fetcher.FetchTile(context.Background(), "missing", 0, 0, 0)
	assert.Error(t, err)
}

func TestFetchTile_NonexistentPathErrorsBeforeBoundsCheck(t *testing.T) {
	scanner := New(t.TempDir(), zap.NewNop())
	scanner.mu.Lock()
	scanner.byID["small"] = tiles.Source{ID: "small", Width: 100, Height: 100}
	scanner.paths["small"] = "/nonexistent/small.png"
	scanner.mu.Unlock()

	fetcher := NewFetcher(scanner)
	_, _, err := fetcher.FetchTile(context.Background(), "small", 0, 0, 0)
	assert.Error(t, err, "loadImage must fail for a nonexistent path")
}
