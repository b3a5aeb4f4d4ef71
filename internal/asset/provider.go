// Package asset supplies decoded images for scene assets.
package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Register image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	// WebP support from x/image
	_ "golang.org/x/image/webp"

	"github.com/jmylchreest/vtcast/internal/cache"
	"github.com/jmylchreest/vtcast/internal/clock"
)

var (
	// ErrNotFound is returned when a reference does not resolve to an asset.
	ErrNotFound = errors.New("asset not found")

	// ErrInvalidRef is returned for references that escape the provider root.
	ErrInvalidRef = errors.New("invalid asset reference")
)

// Provider resolves an asset reference to a decoded image.
type Provider interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// FileProviderConfig configures a FileProvider.
type FileProviderConfig struct {
	Root        string
	CacheTTL    time.Duration
	CacheSize   int
	Clock       clock.Clock
	MaxFileSize int64
}

// DefaultFileProviderConfig returns defaults for root.
func DefaultFileProviderConfig(root string) FileProviderConfig {
	return FileProviderConfig{
		Root:        root,
		CacheTTL:    time.Minute,
		CacheSize:   128,
		MaxFileSize: 32 << 20,
	}
}

// FileProvider loads images from a directory, caching decoded results.
type FileProvider struct {
	root    string
	maxSize int64
	decoded *cache.Cache[string, image.Image]
}

// NewFileProvider creates a FileProvider rooted at cfg.Root.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving asset root: %w", err)
	}
	return &FileProvider{
		root:    root,
		maxSize: cfg.MaxFileSize,
		decoded: cache.New[string, image.Image](cache.Config{
			MaxEntries: cfg.CacheSize,
			TTL:        cfg.CacheTTL,
			Clock:      cfg.Clock,
		}),
	}, nil
}

// Load decodes the image at ref, relative to the provider root.
func (p *FileProvider) Load(ctx context.Context, ref string) (image.Image, error) {
	path, err := p.resolve(ref)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return p.decoded.GetOrLoad(path, func() (image.Image, error) {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
			}
			return nil, fmt.Errorf("stat asset %s: %w", ref, err)
		}
		if p.maxSize > 0 && info.Size() > p.maxSize {
			return nil, fmt.Errorf("asset %s exceeds %d bytes", ref, p.maxSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading asset %s: %w", ref, err)
		}
		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding asset %s (format=%s): %w", ref, format, err)
		}
		return img, nil
	})
}

// Invalidate drops any cached image for ref.
func (p *FileProvider) Invalidate(ref string) {
	if path, err := p.resolve(ref); err == nil {
		p.decoded.Delete(path)
	}
}

func (p *FileProvider) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrInvalidRef
	}
	path := filepath.Join(p.root, filepath.FromSlash(ref))
	if path != p.root && !strings.HasPrefix(path, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRef, ref)
	}
	return path, nil
}

// MemoryProvider serves images registered in memory.
type MemoryProvider struct {
	mu     sync.RWMutex
	images map[string]image.Image
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{images: make(map[string]image.Image)}
}

// Put registers img under ref.
func (p *MemoryProvider) Put(ref string, img image.Image) {
	p.mu.Lock()
	p.images[ref] = img
	p.mu.Unlock()
}

// Load returns the image registered under ref.
func (p *MemoryProvider) Load(_ context.Context, ref string) (image.Image, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	img, ok := p.images[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return img, nil
}
