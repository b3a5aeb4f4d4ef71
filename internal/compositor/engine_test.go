package compositor

import (
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vtcast/internal/asset"
	"github.com/jmylchreest/vtcast/internal/clock"
	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/workerpool"
)

var (
	red   = color.RGBA{R: 0xff, A: 0xff}
	blue  = color.RGBA{B: 0xff, A: 0xff}
	green = color.RGBA{G: 0xff, A: 0xff}
	black = color.RGBA{A: 0xff}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

type countingProvider struct {
	*asset.MemoryProvider
	loads atomic.Int32
}

func (p *countingProvider) Load(ctx context.Context, ref string) (image.Image, error) {
	p.loads.Add(1)
	return p.MemoryProvider.Load(ctx, ref)
}

func newProvider() *countingProvider {
	p := &countingProvider{MemoryProvider: asset.NewMemoryProvider()}
	p.Put("red", solid(8, 8, red))
	p.Put("blue", solid(8, 8, blue))
	p.Put("green", solid(8, 8, green))
	p.Put("wide", solid(2, 1, red))
	return p
}

func newEngine(t *testing.T, w, h int, p asset.Provider) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = w, h
	e, err := New(cfg, p, testLogger(), nil)
	require.NoError(t, err)
	return e
}

func pixel(buf []byte, width, x, y int) color.RGBA {
	i := (y*width + x) * 4
	return color.RGBA{R: buf[i], G: buf[i+1], B: buf[i+2], A: buf[i+3]}
}

func imageAsset(id, source string, x, y, w, h, z int) models.Asset {
	return models.Asset{
		ID:       id,
		Kind:     models.AssetKindImage,
		Source:   source,
		Position: models.Rect{X: x, Y: y, Width: w, Height: h},
		ZIndex:   z,
	}
}

func TestRenderScene_BufferSizeAlwaysExact(t *testing.T) {
	e := newEngine(t, 64, 48, newProvider())

	scenes := map[string]*models.Scene{
		"nil":   nil,
		"empty": {ID: "empty"},
		"broken": {
			ID: "broken",
			Background: []models.Asset{
				imageAsset("missing", "does-not-exist", 0, 0, 10, 10, 0),
				imageAsset("zero", "red", 0, 0, 0, 10, 1),
				{ID: "text", Kind: models.AssetKindText, Text: "hello", Position: models.Rect{Width: 5, Height: 5}},
				{ID: "vt", Kind: models.AssetKindVTuber, Position: models.Rect{Width: 5, Height: 5}},
				imageAsset("offscreen", "red", 500, 500, 10, 10, 2),
			},
			Quadrants: []models.Quadrant{{ID: 3, Bounds: models.Rect{X: 60, Y: 40, Width: 100, Height: 100},
				Assets: []models.Asset{imageAsset("big", "blue", 0, 0, 200, 200, 0)}}},
		},
	}

	for name, scene := range scenes {
		t.Run(name, func(t *testing.T) {
			buf, err := e.RenderScene(context.Background(), scene)
			require.NoError(t, err)
			assert.Len(t, buf, 64*48*4)
		})
	}
}

func TestRenderScene_BackgroundColor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 4, 4
	cfg.Background = color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}
	e, err := New(cfg, newProvider(), testLogger(), nil)
	require.NoError(t, err)

	buf, err := e.RenderScene(context.Background(), &models.Scene{ID: "s"})
	require.NoError(t, err)
	assert.Equal(t, cfg.Background, pixel(buf, 4, 3, 3))
}

func TestRenderScene_HigherZIndexDrawnOnTop(t *testing.T) {
	e := newEngine(t, 32, 32, newProvider())
	scene := &models.Scene{
		ID: "z",
		Background: []models.Asset{
			imageAsset("top", "blue", 4, 4, 16, 16, 2),
			imageAsset("bottom", "red", 0, 0, 16, 16, 1),
		},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)

	assert.Equal(t, blue, pixel(buf, 32, 10, 10), "overlap shows higher z-index")
	assert.Equal(t, red, pixel(buf, 32, 1, 1))
	assert.Equal(t, []string{"bottom", "top"}, e.LastRender().Drawn)
}

func TestRenderScene_EqualZIndexKeepsDeclarationOrder(t *testing.T) {
	e := newEngine(t, 16, 16, newProvider())
	scene := &models.Scene{
		ID: "tie",
		Overlay: []models.Asset{
			imageAsset("first", "red", 0, 0, 16, 16, 5),
			imageAsset("second", "green", 0, 0, 16, 16, 5),
		},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, green, pixel(buf, 16, 8, 8))
	assert.Equal(t, []string{"first", "second"}, e.LastRender().Drawn)
}

func TestRenderScene_GroupOrderEndToEnd(t *testing.T) {
	e := newEngine(t, 1920, 1080, newProvider())
	scene := &models.Scene{
		ID:         "auction",
		Background: []models.Asset{imageAsset("bg", "blue", 0, 0, 1920, 1080, 0)},
		Quadrants: []models.Quadrant{{
			ID:     1,
			Bounds: models.Rect{X: 0, Y: 0, Width: 960, Height: 540},
			Assets: []models.Asset{imageAsset("host", "red", 0, 0, 480, 480, 1)},
		}},
		Overlay: []models.Asset{imageAsset("chat", "green", 1500, 800, 300, 200, 2)},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Len(t, buf, 1920*1080*4)

	stats := e.LastRender()
	assert.Equal(t, []string{"bg", "host", "chat"}, stats.Drawn)
	assert.Empty(t, stats.Failed)
	assert.Equal(t, red, pixel(buf, 1920, 100, 100))
	assert.Equal(t, green, pixel(buf, 1920, 1600, 900))
	assert.Equal(t, blue, pixel(buf, 1920, 1200, 100))
}

func TestRenderScene_QuadrantsByIDSkippingAbsolute(t *testing.T) {
	e := newEngine(t, 40, 40, newProvider())
	scene := &models.Scene{
		ID: "q",
		Quadrants: []models.Quadrant{
			{ID: 4, Bounds: models.Rect{X: 20, Y: 20, Width: 20, Height: 20}, Assets: []models.Asset{imageAsset("q4", "red", 0, 0, 4, 4, 0)}},
			{ID: 0, Bounds: models.Rect{Width: 40, Height: 40}, Assets: []models.Asset{imageAsset("abs", "red", 0, 0, 4, 4, 0)}},
			{ID: 2, Bounds: models.Rect{X: 20, Width: 20, Height: 20}, Assets: []models.Asset{imageAsset("q2", "red", 0, 0, 4, 4, 0)}},
		},
	}

	_, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, []string{"q2", "q4"}, e.LastRender().Drawn)
}

func TestRenderScene_QuadrantClipsAndOffsets(t *testing.T) {
	e := newEngine(t, 40, 40, newProvider())
	scene := &models.Scene{
		ID: "clip",
		Quadrants: []models.Quadrant{{
			ID:      1,
			Bounds:  models.Rect{X: 0, Y: 0, Width: 20, Height: 20},
			Padding: 2,
			Assets:  []models.Asset{imageAsset("huge", "red", 0, 0, 40, 40, 0)},
		}},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, black, pixel(buf, 40, 1, 1), "padding stays clear")
	assert.Equal(t, red, pixel(buf, 40, 2, 2))
	assert.Equal(t, red, pixel(buf, 40, 17, 17))
	assert.Equal(t, black, pixel(buf, 40, 18, 18), "clipped to quadrant content")
}

func TestRenderScene_ContainFitLetterboxesTransparent(t *testing.T) {
	e := newEngine(t, 10, 10, newProvider())
	scene := &models.Scene{
		ID:         "fit",
		Background: []models.Asset{imageAsset("wide", "wide", 0, 0, 10, 10, 0)},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, black, pixel(buf, 10, 5, 0), "letterbox shows canvas")
	assert.Equal(t, red, pixel(buf, 10, 5, 4))
	assert.Equal(t, black, pixel(buf, 10, 5, 9))
}

func TestRenderScene_Opacity(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	half := 0.5
	a := imageAsset("ghost", "red", 0, 0, 8, 8, 0)
	a.Transform.Opacity = &half

	buf, err := e.RenderScene(context.Background(), &models.Scene{ID: "o", Background: []models.Asset{a}})
	require.NoError(t, err)
	p := pixel(buf, 8, 4, 4)
	assert.InDelta(t, 128, int(p.R), 2)
	assert.Equal(t, uint8(0xff), p.A)
}

func TestRenderScene_InvisibleAssetSkipped(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	a := imageAsset("hidden", "red", 0, 0, 8, 8, 0)
	a.Visible = models.BoolPtr(false)

	buf, err := e.RenderScene(context.Background(), &models.Scene{ID: "v", Background: []models.Asset{a}})
	require.NoError(t, err)
	assert.Equal(t, black, pixel(buf, 8, 4, 4))
	assert.Empty(t, e.LastRender().Drawn)
}

func TestRenderScene_FailedAssetDoesNotAbort(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	scene := &models.Scene{
		ID: "partial",
		Background: []models.Asset{
			imageAsset("missing", "nope", 0, 0, 8, 8, 0),
			imageAsset("ok", "green", 0, 0, 8, 8, 1),
			{ID: "label", Kind: models.AssetKindText, Position: models.Rect{Width: 8, Height: 8}, ZIndex: 2},
		},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, green, pixel(buf, 8, 4, 4))

	stats := e.LastRender()
	assert.Equal(t, []string{"ok"}, stats.Drawn)
	assert.Equal(t, []string{"missing"}, stats.Failed)
	assert.Equal(t, []string{"label"}, stats.Skipped)
}

func TestRenderScene_CancelledContext(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.RenderScene(ctx, &models.Scene{ID: "c", Background: []models.Asset{imageAsset("a", "red", 0, 0, 4, 4, 0)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRenderScene_LayerCache(t *testing.T) {
	p := newProvider()
	fake := clock.NewFake(time.Unix(1700000000, 0))
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 16, 16
	cfg.Clock = fake
	e, err := New(cfg, p, testLogger(), nil)
	require.NoError(t, err)

	scene := &models.Scene{ID: "c", Background: []models.Asset{imageAsset("a", "red", 0, 0, 8, 8, 0)}}

	_, err = e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	_, err = e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.loads.Load())
	assert.Equal(t, 1, e.LastRender().CacheHits)

	fake.Advance(cfg.CacheTTL)
	_, err = e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p.loads.Load(), "expired entry is re-rendered")

	require.NoError(t, e.SetDimensions(32, 32))
	assert.Equal(t, 0, e.CacheStats().Entries)
	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Len(t, buf, 32*32*4)
	assert.Equal(t, int32(3), p.loads.Load())
}

func TestSetDimensions_Invalid(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	assert.ErrorIs(t, e.SetDimensions(0, 10), ErrInvalidDimensions)
	w, h := e.Dimensions()
	assert.Equal(t, 8, w)
	assert.Equal(t, 8, h)
}

func TestNew_InvalidDimensions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Width = -1
	_, err := New(cfg, newProvider(), testLogger(), nil)
	assert.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestRenderScene_WithWorkerPool(t *testing.T) {
	e := newEngine(t, 32, 32, newProvider())
	pool := workerpool.New(workerpool.DefaultConfig(), e, testLogger(), nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	e.SetRunner(pool)

	scene := &models.Scene{
		ID: "pooled",
		Background: []models.Asset{
			imageAsset("bottom", "red", 0, 0, 16, 16, 1),
			imageAsset("top", "blue", 4, 4, 16, 16, 2),
		},
	}

	buf, err := e.RenderScene(context.Background(), scene)
	require.NoError(t, err)
	assert.Equal(t, blue, pixel(buf, 32, 10, 10))

	stats := e.LastRender()
	assert.Equal(t, 2, stats.Offloaded)
	assert.Equal(t, []string{"bottom", "top"}, stats.Drawn)
}

type rejectingRunner struct{}

func (rejectingRunner) ProcessBatch(_ context.Context, tasks []*workerpool.Task) []workerpool.Result {
	out := make([]workerpool.Result, len(tasks))
	for i := range tasks {
		out[i] = workerpool.Result{Kind: workerpool.ResultError, Err: workerpool.ErrQueueFull}
	}
	return out
}

func TestRenderScene_RejectedTasksRenderInline(t *testing.T) {
	e := newEngine(t, 8, 8, newProvider())
	e.SetRunner(rejectingRunner{})

	buf, err := e.RenderScene(context.Background(), &models.Scene{ID: "r", Background: []models.Asset{imageAsset("a", "red", 0, 0, 8, 8, 0)}})
	require.NoError(t, err)
	assert.Equal(t, red, pixel(buf, 8, 4, 4))
	assert.Equal(t, 0, e.LastRender().Offloaded)
}

func TestRotate_SwapsBounds(t *testing.T) {
	out := rotate(solid(4, 2, red), 90)
	assert.Equal(t, 2, out.Bounds().Dx())
	assert.Equal(t, 4, out.Bounds().Dy())
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#102030")
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0x10, G: 0x20, B: 0x30, A: 0xff}, c)

	c, err = ParseColor("10203080")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), c.A)

	_, err = ParseColor("#12")
	assert.Error(t, err)
	_, err = ParseColor("#zzzzzz")
	assert.Error(t, err)
}
