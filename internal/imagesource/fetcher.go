package imagesource

import (
	"context"
	"fmt"
	"math"

	"github.com/cshum/vipsgen/vips"

	"github.com/deepzoom/tilecache/internal/registry"
	"github.com/deepzoom/tilecache/internal/tilecache"
	"github.com/deepzoom/tilecache/internal/tiles"
)

// Fetcher renders one 256px tile from a source image on demand,
// implementing tiles.SourceFetcher. Grounded on the teacher's
// Renderer.RenderTile crop/resize/pad/export pipeline, generalized to
// return the tile's own bytes to the cache instead of writing them
// straight into a flat cache.Cache.
type Fetcher struct {
	scanner *Scanner
}

func NewFetcher(scanner *Scanner) *Fetcher {
	return &Fetcher{scanner: scanner}
}

func (f *Fetcher) FetchTile(ctx context.Context, imageID string, z, x, y int) ([]byte, tilecache.Format, error) {
	src, ok := f.scanner.Lookup(imageID)
	if !ok {
		return nil, "", fmt.Errorf("image not found: %s", imageID)
	}
	path, ok := f.scanner.PathFor(imageID)
	if !ok {
		return nil, "", fmt.Errorf("image path not found: %s", imageID)
	}

	image, err := loadImage(path)
	if err != nil {
		return nil, "", fmt.Errorf("open image: %w", err)
	}
	defer image.Close()

	maxZoom := tiles.MaxZoom(src.Width, src.Height)
	if z > maxZoom {
		return nil, "", fmt.Errorf("zoom level %d exceeds max zoom %d", z, maxZoom)
	}

	const tileSize = 256.0
	pixelsPerTile := tileSize * math.Pow(2, float64(maxZoom-z))

	startX := int(float64(x) * pixelsPerTile)
	startY := int(float64(y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(src.Width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(src.Height)))

	width := endX - startX
	height := endY - startY
	if width <= 0 || height <= 0 {
		return nil, "", fmt.Errorf("invalid tile bounds")
	}

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, "", fmt.Errorf("extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(tileSize/pixelsPerTile, resizeOpts); err != nil {
		return nil, "", fmt.Errorf("resize: %w", err)
	}

	if image.Width() < 256 || image.Height() < 256 {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = []float64{221, 221, 221}
		if err := image.Embed(0, 0, 256, 256, embedOpts); err != nil {
			return nil, "", fmt.Errorf("pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = 82
	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, "", fmt.Errorf("export: %w", err)
	}

	return data, registry.JPEG, nil
}
