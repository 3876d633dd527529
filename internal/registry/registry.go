// Package registry implements the tile cache's ConversionRegistry
// collaborator (spec §6): a small directed graph of vips-backed format
// conversions between the byte-payload representations the tile pipeline
// hands to the cache.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tilecache"
)

const (
	// Raw is the decoder's canonical in-memory pixel representation: the
	// hub every other format converts through.
	Raw  tilecache.Format = "raw"
	JPEG tilecache.Format = "jpeg"
	PNG  tilecache.Format = "png"
	WebP tilecache.Format = "webp"
)

// edgeKey identifies one registered conversion by its endpoints.
type edgeKey struct {
	from, to tilecache.Format
}

// Registry is the concrete, vips-backed ConversionRegistry. Every
// non-Raw format connects to Raw and back; multi-hop paths (e.g.
// jpeg -> webp) route through Raw as an intermediate, same as the
// teacher's loadImage/export pipeline decodes then re-encodes.
type Registry struct {
	logger *zap.Logger
	edges  map[edgeKey]tilecache.ConversionEdge
}

// New builds a Registry with the standard raw/jpeg/png/webp graph.
func New(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger, edges: make(map[edgeKey]tilecache.ConversionEdge)}
	r.register(JPEG, Raw, decodeJPEG)
	r.register(Raw, JPEG, encodeJPEG)
	r.register(PNG, Raw, decodePNG)
	r.register(Raw, PNG, encodePNG)
	r.register(WebP, Raw, decodeWebP)
	r.register(Raw, WebP, encodeWebP)
	return r
}

func (r *Registry) register(from, to tilecache.Format, transform func(ctx context.Context, data []byte) ([]byte, error)) {
	r.edges[edgeKey{from, to}] = tilecache.ConversionEdge{Origin: from, Target: to, Transform: transform}
}

// ConversionPath resolves a route from -> to, routing through Raw when
// neither endpoint is Raw itself. Returns nil when unreachable.
func (r *Registry) ConversionPath(from, to tilecache.Format) []tilecache.ConversionEdge {
	if from == to {
		return nil
	}
	if edge, ok := r.edges[edgeKey{from, to}]; ok {
		return []tilecache.ConversionEdge{edge}
	}
	if from == Raw || to == Raw {
		return nil
	}
	toRaw, ok := r.edges[edgeKey{from, Raw}]
	if !ok {
		return nil
	}
	fromRaw, ok := r.edges[edgeKey{Raw, to}]
	if !ok {
		return nil
	}
	return []tilecache.ConversionEdge{toRaw, fromRaw}
}

// Convert is a one-shot convenience equivalent to resolving
// ConversionPath and applying every edge in order.
func (r *Registry) Convert(ctx context.Context, data []byte, from, to tilecache.Format) ([]byte, error) {
	if from == to {
		return r.Copy(ctx, data, from)
	}
	path := r.ConversionPath(from, to)
	if len(path) == 0 {
		return nil, fmt.Errorf("registry: no path %s -> %s: %w", from, to, tilecache.ErrUnreachableType)
	}
	current := data
	for i, edge := range path {
		out, err := edge.Transform(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("registry: convert %s -> %s step %d: %w", from, to, i, err)
		}
		current = out
	}
	return current, nil
}

// Copy deep-copies data. Byte payloads have no external resources to
// alias, so a copy is a plain slice clone regardless of format.
func (r *Registry) Copy(ctx context.Context, data []byte, format tilecache.Format) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Destroy releases resources associated with data. Plain byte buffers
// need no explicit release; this exists to satisfy the contract for
// payload variants that might, matching the teacher's `noop_cache`-style
// no-op collaborator.
func (r *Registry) Destroy(data []byte, format tilecache.Format) {}

// GuessType infers a format tag via vips' own type sniffer plus the
// stdlib sniffer as a fallback, matching the teacher's extension-based
// dispatch generalized to content sniffing since registry inputs are
// bare buffers, not file paths.
func (r *Registry) GuessType(data []byte) tilecache.Format {
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJpeg:
		return JPEG
	case vips.ImageTypePng:
		return PNG
	case vips.ImageTypeWebp:
		return WebP
	}
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return JPEG
	case "image/png":
		return PNG
	case "image/webp":
		return WebP
	default:
		return Raw
	}
}

func decodeJPEG(ctx context.Context, data []byte) ([]byte, error) {
	opts := vips.DefaultJpegloadBufferOptions()
	img, err := vips.NewJpegloadBuffer(data, opts)
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	defer img.Close()
	return rawDump(img)
}

func decodePNG(ctx context.Context, data []byte) ([]byte, error) {
	opts := vips.DefaultPngloadBufferOptions()
	img, err := vips.NewPngloadBuffer(data, opts)
	if err != nil {
		return nil, fmt.Errorf("png decode: %w", err)
	}
	defer img.Close()
	return rawDump(img)
}

func decodeWebP(ctx context.Context, data []byte) ([]byte, error) {
	opts := vips.DefaultWebploadBufferOptions()
	img, err := vips.NewWebploadBuffer(data, opts)
	if err != nil {
		return nil, fmt.Errorf("webp decode: %w", err)
	}
	defer img.Close()
	return rawDump(img)
}

func encodeJPEG(ctx context.Context, data []byte) ([]byte, error) {
	img, err := rawLoad(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	opts := vips.DefaultJpegsaveBufferOptions()
	opts.Q = 82
	out, err := img.JpegsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return out, nil
}

func encodePNG(ctx context.Context, data []byte) ([]byte, error) {
	img, err := rawLoad(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	opts := vips.DefaultPngsaveBufferOptions()
	out, err := img.PngsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("png encode: %w", err)
	}
	return out, nil
}

func encodeWebP(ctx context.Context, data []byte) ([]byte, error) {
	img, err := rawLoad(data)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	opts := vips.DefaultWebpsaveBufferOptions()
	out, err := img.WebpsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("webp encode: %w", err)
	}
	return out, nil
}

// rawHeader prefixes a raw dump with the width/height/bands triple
// rawload needs to reinterpret a headerless pixel buffer; vips' raw
// format carries no metadata of its own.
type rawHeader struct {
	Width, Height, Bands int
}

func rawDump(img *vips.Image) ([]byte, error) {
	opts := vips.DefaultRawsaveBufferOptions()
	pixels, err := img.RawsaveBuffer(opts)
	if err != nil {
		return nil, fmt.Errorf("raw dump: %w", err)
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d %d\n", img.Width(), img.Height(), img.Bands())
	buf.Write(pixels)
	return buf.Bytes(), nil
}

func rawLoad(data []byte) (*vips.Image, error) {
	var h rawHeader
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, fmt.Errorf("raw load: missing header")
	}
	if _, err := fmt.Sscanf(string(data[:idx]), "%d %d %d", &h.Width, &h.Height, &h.Bands); err != nil {
		return nil, fmt.Errorf("raw load: bad header: %w", err)
	}
	opts := vips.DefaultRawloadBufferOptions()
	opts.Width = h.Width
	opts.Height = h.Height
	opts.Bands = h.Bands
	img, err := vips.NewRawloadBuffer(data[idx+1:], opts)
	if err != nil {
		return nil, fmt.Errorf("raw load: %w", err)
	}
	return img, nil
}
