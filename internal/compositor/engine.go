// Package compositor flattens a scene into a single RGBA frame.
//
// Assets are drawn in three passes: background, the four screen quadrants
// in ascending id order, then overlay. Each pass is sorted by z-index with
// ties kept in declaration order. Assets that fail to render are skipped so
// that one broken layer never costs the whole frame.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/jmylchreest/vtcast/internal/asset"
	"github.com/jmylchreest/vtcast/internal/cache"
	"github.com/jmylchreest/vtcast/internal/clock"
	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/jmylchreest/vtcast/internal/workerpool"
)

// ErrInvalidDimensions is returned for non-positive canvas sizes.
var ErrInvalidDimensions = errors.New("invalid canvas dimensions")

// Config configures an Engine.
type Config struct {
	Width      int
	Height     int
	Background color.RGBA
	CacheTTL   time.Duration
	CacheSize  int
	Clock      clock.Clock
}

// DefaultConfig returns a 1080p black canvas with a 5s asset cache.
func DefaultConfig() Config {
	return Config{
		Width:      1920,
		Height:     1080,
		Background: color.RGBA{A: 0xff},
		CacheTTL:   5 * time.Second,
		CacheSize:  256,
	}
}

// ParseColor parses #RRGGBB or #RRGGBBAA into an RGBA color.
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xff
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// BatchRunner executes a batch of tasks and returns results in input order.
// *workerpool.Pool satisfies it.
type BatchRunner interface {
	ProcessBatch(ctx context.Context, tasks []*workerpool.Task) []workerpool.Result
}

// RenderStats describes the most recent RenderScene call.
type RenderStats struct {
	SceneID   string        `json:"scene_id"`
	Duration  time.Duration `json:"duration"`
	Drawn     []string      `json:"drawn"`
	Skipped   []string      `json:"skipped"`
	Failed    []string      `json:"failed"`
	CacheHits int           `json:"cache_hits"`
	Offloaded int           `json:"offloaded"`
}

type cacheKey struct {
	id       string
	source   string
	rotation float64
	scale    float64
	width    int
	height   int
}

func keyFor(a models.Asset, width, height int) cacheKey {
	return cacheKey{
		id:       a.ID,
		source:   a.Source,
		rotation: a.Transform.Rotation,
		scale:    a.Transform.EffectiveScale(),
		width:    width,
		height:   height,
	}
}

// Engine renders scenes into RGBA buffers.
type Engine struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	width     int
	height    int
	bg        color.RGBA
	renderers map[models.AssetKind]AssetRenderer
	runner    BatchRunner
	last      RenderStats

	layers *cache.Cache[cacheKey, *image.RGBA]
}

// New creates an Engine drawing images from provider.
func New(cfg Config, provider asset.Provider, logger *slog.Logger, m *observability.Metrics) (*Engine, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	if m == nil {
		m = observability.NewMetrics()
	}

	skip := skipRenderer{}
	return &Engine{
		logger:  observability.WithComponent(logger, "compositor"),
		metrics: m,
		width:   cfg.Width,
		height:  cfg.Height,
		bg:      cfg.Background,
		renderers: map[models.AssetKind]AssetRenderer{
			models.AssetKindImage:   imageRenderer{provider: provider},
			models.AssetKindText:    skip,
			models.AssetKindVideo:   skip,
			models.AssetKindVTuber:  skip,
			models.AssetKindOverlay: skip,
		},
		layers: cache.New[cacheKey, *image.RGBA](cache.Config{
			MaxEntries: cfg.CacheSize,
			TTL:        cfg.CacheTTL,
			Clock:      cfg.Clock,
		}),
	}, nil
}

// SetRunner offloads per-asset rendering to runner. Passing nil renders inline.
func (e *Engine) SetRunner(runner BatchRunner) {
	e.mu.Lock()
	e.runner = runner
	e.mu.Unlock()
}

// RegisterRenderer replaces the renderer used for kind.
func (e *Engine) RegisterRenderer(kind models.AssetKind, r AssetRenderer) {
	e.mu.Lock()
	e.renderers[kind] = r
	e.mu.Unlock()
}

// Dimensions returns the canvas size.
func (e *Engine) Dimensions() (int, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.width, e.height
}

// SetDimensions resizes the canvas and invalidates every cached layer.
func (e *Engine) SetDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	e.mu.Lock()
	changed := e.width != width || e.height != height
	e.width, e.height = width, height
	e.mu.Unlock()

	if changed {
		e.layers.Purge()
		e.logger.Info("canvas resized", slog.Int("width", width), slog.Int("height", height))
	}
	return nil
}

// CacheStats returns layer cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.layers.Stats()
}

// LastRender returns statistics of the most recent render.
func (e *Engine) LastRender() RenderStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// region is one compositing pass: a set of assets positioned relative to
// origin and clipped to clip.
type region struct {
	name   string
	origin image.Point
	clip   image.Rectangle
	assets []models.Asset
}

func (e *Engine) regions(scene *models.Scene, canvas image.Rectangle) []region {
	out := []region{{
		name:   "background",
		clip:   canvas,
		assets: models.SortedByZ(scene.Background),
	}}

	quadrants := make([]models.Quadrant, 0, len(scene.Quadrants))
	for _, q := range scene.Quadrants {
		if q.ID != models.AbsoluteQuadrant {
			quadrants = append(quadrants, q)
		}
	}
	sort.SliceStable(quadrants, func(i, j int) bool { return quadrants[i].ID < quadrants[j].ID })

	for _, q := range quadrants {
		content := q.Content().Image()
		out = append(out, region{
			name:   fmt.Sprintf("quadrant-%d", q.ID),
			origin: content.Min,
			clip:   content.Intersect(canvas),
			assets: models.SortedByZ(q.Assets),
		})
	}

	return append(out, region{
		name:   "overlay",
		clip:   canvas,
		assets: models.SortedByZ(scene.Overlay),
	})
}

// RenderScene composites scene into a new buffer of exactly width*height*4 bytes.
// It only fails when ctx is cancelled.
func (e *Engine) RenderScene(ctx context.Context, scene *models.Scene) ([]byte, error) {
	start := time.Now()

	e.mu.RLock()
	width, height, bg, runner := e.width, e.height, e.bg, e.runner
	e.mu.RUnlock()

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)

	stats := RenderStats{Drawn: []string{}, Skipped: []string{}, Failed: []string{}}
	if scene == nil {
		e.finish(stats, start)
		return canvas.Pix, nil
	}
	stats.SceneID = scene.ID

	regions := e.regions(scene, canvas.Bounds())

	var prerendered map[cacheKey]layerResult
	if runner != nil {
		prerendered = e.offload(ctx, runner, regions, &stats)
	}

	for _, r := range regions {
		for _, a := range r.assets {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("rendering scene %s: %w", scene.ID, err)
			}

			box := a.Box()
			if box.Empty() {
				stats.Skipped = append(stats.Skipped, a.ID)
				continue
			}

			key := keyFor(a, box.Width, box.Height)
			var layer *image.RGBA
			var err error
			if res, ok := prerendered[key]; ok {
				layer, err = res.layer, res.err
			} else {
				layer, err = e.layer(ctx, a, box.Width, box.Height, &stats)
			}

			switch {
			case errors.Is(err, ErrNoPixels):
				e.logger.Debug("asset kind not drawn",
					slog.String("asset_id", a.ID),
					slog.String("kind", string(a.Kind)),
				)
				stats.Skipped = append(stats.Skipped, a.ID)
				continue
			case err != nil:
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, fmt.Errorf("rendering scene %s: %w", scene.ID, ctxErr)
				}
				e.logger.Warn("asset render failed, skipping",
					slog.String("asset_id", a.ID),
					slog.String("region", r.name),
					slog.String("error", err.Error()),
				)
				e.metrics.IncAssetErrors()
				stats.Failed = append(stats.Failed, a.ID)
				continue
			}

			dst := box.Image().Add(r.origin)
			blend(canvas, dst, r.clip, layer, a.Transform.EffectiveOpacity())
			stats.Drawn = append(stats.Drawn, a.ID)
		}
	}

	e.finish(stats, start)
	return canvas.Pix, nil
}

func (e *Engine) finish(stats RenderStats, start time.Time) {
	stats.Duration = time.Since(start)
	e.metrics.ObserveRender(stats.Duration)

	e.mu.Lock()
	e.last = stats
	e.mu.Unlock()
}

// layer returns the rendered asset from cache, rendering it on a miss.
func (e *Engine) layer(ctx context.Context, a models.Asset, width, height int, stats *RenderStats) (*image.RGBA, error) {
	key := keyFor(a, width, height)
	if img, ok := e.layers.Get(key); ok {
		if stats != nil {
			stats.CacheHits++
		}
		return img, nil
	}

	e.mu.RLock()
	r, ok := e.renderers[a.Kind]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrNoPixels, a.Kind)
	}

	img, err := r.Render(ctx, a, width, height)
	if err != nil {
		return nil, err
	}
	e.layers.Set(key, img)
	return img, nil
}

// blend draws layer into dst on canvas, clipped to clip, with the given opacity.
func blend(canvas *image.RGBA, dst, clip image.Rectangle, layer *image.RGBA, opacity float64) {
	if opacity <= 0 {
		return
	}
	visible := dst.Intersect(clip)
	if visible.Empty() {
		return
	}
	sp := layer.Bounds().Min.Add(visible.Min.Sub(dst.Min))

	if opacity >= 1 {
		draw.Draw(canvas, visible, layer, sp, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(opacity*255 + 0.5)})
	draw.DrawMask(canvas, visible, layer, sp, mask, image.Point{}, draw.Over)
}
