package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"

	"golang.org/x/image/draw"

	"github.com/jmylchreest/vtcast/internal/models"
	"github.com/jmylchreest/vtcast/internal/workerpool"
)

type layerResult struct {
	layer *image.RGBA
	err   error
}

// offload renders every uncached image asset of the scene as one batch of
// transform tasks. Tasks the pool could not accept are left for the inline path.
func (e *Engine) offload(ctx context.Context, runner BatchRunner, regions []region, stats *RenderStats) map[cacheKey]layerResult {
	var tasks []*workerpool.Task
	var keys []cacheKey
	seen := make(map[cacheKey]bool)

	for _, r := range regions {
		for _, a := range r.assets {
			if a.Kind != models.AssetKindImage {
				continue
			}
			box := a.Box()
			if box.Empty() {
				continue
			}
			key := keyFor(a, box.Width, box.Height)
			if seen[key] {
				continue
			}
			seen[key] = true
			if _, ok := e.layers.Get(key); ok {
				continue
			}
			tasks = append(tasks, &workerpool.Task{
				Kind:     workerpool.KindTransform,
				Priority: workerpool.PriorityHigh,
				Payload: workerpool.Payload{
					Width:  box.Width,
					Height: box.Height,
					Layers: []models.Asset{a},
				},
			})
			keys = append(keys, key)
		}
	}
	if len(tasks) == 0 {
		return nil
	}

	results := runner.ProcessBatch(ctx, tasks)
	out := make(map[cacheKey]layerResult, len(results))
	for i, res := range results {
		if errors.Is(res.Err, workerpool.ErrQueueFull) || errors.Is(res.Err, workerpool.ErrPoolClosed) ||
			errors.Is(res.Err, workerpool.ErrNotStarted) {
			e.logger.Debug("render task not accepted, rendering inline",
				slog.String("asset_id", keys[i].id),
				slog.String("reason", res.Err.Error()),
			)
			continue
		}
		if res.Err != nil {
			out[keys[i]] = layerResult{err: res.Err}
			continue
		}
		layer := wrapRGBA(res.Buffer, keys[i].width, keys[i].height)
		if layer == nil {
			out[keys[i]] = layerResult{err: fmt.Errorf("task %s returned %d bytes", res.TaskID, len(res.Buffer))}
			continue
		}
		e.layers.Set(keys[i], layer)
		out[keys[i]] = layerResult{layer: layer}
		stats.Offloaded++
	}
	return out
}

func wrapRGBA(buf []byte, width, height int) *image.RGBA {
	if len(buf) != width*height*4 {
		return nil
	}
	return &image.RGBA{Pix: buf, Stride: width * 4, Rect: image.Rect(0, 0, width, height)}
}

// Process executes compositor tasks on behalf of the worker pool.
//
//   - transform renders Layers[0] into a Width x Height transparent buffer.
//   - render flattens Layers onto a Width x Height canvas filled with the
//     task background, each layer positioned by its own box.
//   - composite stacks Buffers in order, each Width x Height RGBA.
func (e *Engine) Process(ctx context.Context, task *workerpool.Task) ([]byte, error) {
	p := task.Payload
	switch task.Kind {
	case workerpool.KindTransform:
		if len(p.Layers) != 1 {
			return nil, fmt.Errorf("%w: transform needs exactly one layer, got %d", workerpool.ErrInvalidTask, len(p.Layers))
		}
		layer, err := e.layer(ctx, p.Layers[0], p.Width, p.Height, nil)
		if err != nil {
			return nil, err
		}
		return layer.Pix, nil

	case workerpool.KindRender:
		canvas := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
		if p.Options.Background != (color.RGBA{}) {
			draw.Draw(canvas, canvas.Bounds(), image.NewUniform(p.Options.Background), image.Point{}, draw.Src)
		}
		for _, a := range models.SortedByZ(p.Layers) {
			box := a.Box()
			if box.Empty() {
				continue
			}
			layer, err := e.layer(ctx, a, box.Width, box.Height, nil)
			if err != nil {
				if errors.Is(err, ErrNoPixels) {
					continue
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				e.logger.Warn("layer render failed, skipping",
					slog.String("task_id", task.ID),
					slog.String("asset_id", a.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			blend(canvas, box.Image(), canvas.Bounds(), layer, a.Transform.EffectiveOpacity())
		}
		return canvas.Pix, nil

	case workerpool.KindComposite:
		canvas := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
		for i, buf := range p.Buffers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			layer := wrapRGBA(buf, p.Width, p.Height)
			if layer == nil {
				return nil, fmt.Errorf("%w: buffer %d has %d bytes, want %d",
					workerpool.ErrInvalidTask, i, len(buf), p.Width*p.Height*4)
			}
			draw.Draw(canvas, canvas.Bounds(), layer, image.Point{}, draw.Over)
		}
		return canvas.Pix, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", workerpool.ErrInvalidTask, task.Kind)
}
