// Package imagesource enumerates source images in a data directory and
// probes their pixel dimensions, trimmed from the teacher's
// image_list.Scanner down to read-only discovery: no upload UUID-rename,
// no JSON sidecar persistence, since this module only needs one
// process lifetime of image identity to drive the viewport walk and the
// HTTP demo endpoint.
package imagesource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"github.com/deepzoom/tilecache/internal/tiles"
)

var extensions = map[string]bool{
	".tif": true, ".tiff": true, ".jpg": true, ".jpeg": true, ".png": true, ".webp": true,
}

// Scanner enumerates image files under a data directory, addressing
// each by its filename stem.
type Scanner struct {
	dataDir string
	logger  *zap.Logger

	mu    sync.RWMutex
	byID  map[string]tiles.Source
	paths map[string]string
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		byID:    make(map[string]tiles.Source),
		paths:   make(map[string]string),
	}
}

// Scan re-enumerates the data directory, probing dimensions of any file
// found with a supported extension.
func (s *Scanner) Scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data directory: %w", err)
	}

	byID := make(map[string]tiles.Source)
	paths := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dataDir, entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		width, height, err := probeDimensions(path)
		if err != nil {
			s.logger.Warn("failed to probe image", zap.String("path", path), zap.Error(err))
			continue
		}

		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		byID[id] = tiles.Source{ID: id, Width: width, Height: height}
		paths[id] = path
	}

	s.mu.Lock()
	s.byID = byID
	s.paths = paths
	s.mu.Unlock()
	return nil
}

// Lookup implements httpserver.ImageIndex.
func (s *Scanner) Lookup(imageID string) (tiles.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byID[imageID]
	return src, ok
}

// List implements httpserver.ImageIndex.
func (s *Scanner) List() []tiles.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tiles.Source, 0, len(s.byID))
	for _, src := range s.byID {
		out = append(out, src)
	}
	return out
}

// PathFor returns the on-disk path for imageID, used by a SourceFetcher
// to load the original file.
func (s *Scanner) PathFor(imageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.paths[imageID]
	return p, ok
}

func probeDimensions(path string) (width, height int, err error) {
	img, err := loadImage(path)
	if err != nil {
		return 0, 0, err
	}
	defer img.Close()
	return img.Width(), img.Height(), nil
}

// loadImage dispatches on file extension the same way the teacher's
// Scanner.loadImage and Renderer.loadImage do.
func loadImage(path string) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))
	access := vips.AccessSequential

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
