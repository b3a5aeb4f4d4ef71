package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/jmylchreest/vtcast/internal/asset"
	"github.com/jmylchreest/vtcast/internal/models"
)

// ErrNoPixels is returned by renderers for asset kinds that produce no output.
var ErrNoPixels = errors.New("asset kind produces no pixels")

// AssetRenderer renders one asset into a transparent image of the given size.
type AssetRenderer interface {
	Render(ctx context.Context, a models.Asset, width, height int) (*image.RGBA, error)
}

// skipRenderer stands in for asset kinds that are not drawn.
type skipRenderer struct{}

func (skipRenderer) Render(_ context.Context, a models.Asset, _, _ int) (*image.RGBA, error) {
	return nil, fmt.Errorf("%w: %s", ErrNoPixels, a.Kind)
}

// imageRenderer decodes the asset source through the provider, rotates it and
// fits it into the target box.
type imageRenderer struct {
	provider asset.Provider
}

func (r imageRenderer) Render(ctx context.Context, a models.Asset, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("asset %s has empty target box %dx%d", a.ID, width, height)
	}
	src, err := r.provider.Load(ctx, a.Source)
	if err != nil {
		return nil, err
	}
	if src.Bounds().Empty() {
		return nil, fmt.Errorf("asset %s decoded to an empty image", a.ID)
	}
	if a.Transform.Rotation != 0 {
		src = rotate(src, a.Transform.Rotation)
	}
	return containFit(src, width, height), nil
}

// rotate returns src rotated clockwise by degrees on a transparent canvas
// large enough to hold the rotated bounds.
func rotate(src image.Image, degrees float64) *image.RGBA {
	b := src.Bounds()
	rad := degrees * math.Pi / 180
	sin, cos := math.Sincos(rad)

	w, h := float64(b.Dx()), float64(b.Dy())
	rw := math.Abs(w*cos) + math.Abs(h*sin)
	rh := math.Abs(w*sin) + math.Abs(h*cos)

	dst := image.NewRGBA(image.Rect(0, 0, int(math.Ceil(rw-1e-9)), int(math.Ceil(rh-1e-9))))

	cx := float64(b.Min.X) + w/2
	cy := float64(b.Min.Y) + h/2
	ox := float64(dst.Bounds().Dx()) / 2
	oy := float64(dst.Bounds().Dy()) / 2

	s2d := f64.Aff3{
		cos, -sin, ox - (cos*cx - sin*cy),
		sin, cos, oy - (sin*cx + cos*cy),
	}
	draw.ApproxBiLinear.Transform(dst, s2d, src, b, draw.Over, nil)
	return dst
}

// containFit scales src to fit inside a width x height box preserving the
// aspect ratio. The letterbox area stays transparent.
func containFit(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	b := src.Bounds()

	scale := math.Min(float64(width)/float64(b.Dx()), float64(height)/float64(b.Dy()))
	fw := max(1, int(math.Round(float64(b.Dx())*scale)))
	fh := max(1, int(math.Round(float64(b.Dy())*scale)))
	fw, fh = min(fw, width), min(fh, height)

	x := (width - fw) / 2
	y := (height - fh) / 2
	draw.BiLinear.Scale(dst, image.Rect(x, y, x+fw, y+fh), src, b, draw.Src, nil)
	return dst
}
