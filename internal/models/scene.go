package models

import (
	"fmt"
	"image"
	"sort"
)

// AssetKind identifies how an asset is rendered.
type AssetKind string

// Asset kinds. Only AssetKindImage produces pixels; the others are skipped.
const (
	AssetKindImage   AssetKind = "image"
	AssetKindText    AssetKind = "text"
	AssetKindVideo   AssetKind = "video"
	AssetKindVTuber  AssetKind = "vtuber"
	AssetKindOverlay AssetKind = "overlay"
)

// Valid reports whether k is a known asset kind.
func (k AssetKind) Valid() bool {
	switch k {
	case AssetKindImage, AssetKindText, AssetKindVideo, AssetKindVTuber, AssetKindOverlay:
		return true
	}
	return false
}

// Rect is an axis aligned rectangle in canvas pixels.
type Rect struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Image returns r as an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Anchor is the point of the target box, in unit coordinates, placed at the asset position.
type Anchor struct {
	X float64 `yaml:"x" json:"x"`
	Y float64 `yaml:"y" json:"y"`
}

// Transform describes how an asset is drawn into its target box.
type Transform struct {
	Scale    float64  `yaml:"scale" json:"scale"`       // 0 is treated as 1
	Rotation float64  `yaml:"rotation" json:"rotation"` // degrees, clockwise
	Anchor   Anchor   `yaml:"anchor" json:"anchor"`
	Opacity  *float64 `yaml:"opacity,omitempty" json:"opacity,omitempty"` // nil is fully opaque
}

// EffectiveScale returns the scale factor with the zero value mapped to 1.
func (t Transform) EffectiveScale() float64 {
	if t.Scale <= 0 {
		return 1
	}
	return t.Scale
}

// EffectiveOpacity returns the opacity clamped to [0,1], defaulting to 1.
func (t Transform) EffectiveOpacity() float64 {
	if t.Opacity == nil {
		return 1
	}
	switch o := *t.Opacity; {
	case o < 0:
		return 0
	case o > 1:
		return 1
	default:
		return o
	}
}

// Asset is one positioned visual element of a scene.
type Asset struct {
	ID        string    `yaml:"id" json:"id"`
	Kind      AssetKind `yaml:"kind" json:"kind"`
	Source    string    `yaml:"source" json:"source"` // provider reference
	Text      string    `yaml:"text,omitempty" json:"text,omitempty"`
	Position  Rect      `yaml:"position" json:"position"`
	Transform Transform `yaml:"transform" json:"transform"`
	Visible   *bool     `yaml:"visible,omitempty" json:"visible,omitempty"` // nil is visible
	ZIndex    int       `yaml:"z_index" json:"z_index"`
}

// IsVisible reports whether the asset should be drawn.
func (a Asset) IsVisible() bool {
	return BoolVal(a.Visible)
}

// Box returns the scaled target box of the asset in the coordinate space of its region,
// with the anchor point placed at the asset position.
func (a Asset) Box() Rect {
	scale := a.Transform.EffectiveScale()
	w := int(float64(a.Position.Width)*scale + 0.5)
	h := int(float64(a.Position.Height)*scale + 0.5)
	return Rect{
		X:      a.Position.X - int(a.Transform.Anchor.X*float64(w)+0.5),
		Y:      a.Position.Y - int(a.Transform.Anchor.Y*float64(h)+0.5),
		Width:  w,
		Height: h,
	}
}

// AbsoluteQuadrant is the quadrant id reserved for absolutely positioned assets.
const AbsoluteQuadrant = 0

// Quadrant groups assets laid out inside one screen region.
type Quadrant struct {
	ID      int     `yaml:"id" json:"id"` // 0 absolute, 1-4 screen quadrants
	Bounds  Rect    `yaml:"bounds" json:"bounds"`
	Padding int     `yaml:"padding" json:"padding"`
	Assets  []Asset `yaml:"assets" json:"assets"`
}

// Content returns the drawable area of the quadrant after padding. Padding
// that consumes the whole quadrant leaves an empty area.
func (q Quadrant) Content() Rect {
	return Rect{
		X:      q.Bounds.X + q.Padding,
		Y:      q.Bounds.Y + q.Padding,
		Width:  max(q.Bounds.Width-2*q.Padding, 0),
		Height: max(q.Bounds.Height-2*q.Padding, 0),
	}
}

// Scene is an immutable snapshot of everything drawn into one frame.
type Scene struct {
	ID         string     `yaml:"id" json:"id"`
	Name       string     `yaml:"name" json:"name"`
	Background []Asset    `yaml:"background" json:"background"`
	Quadrants  []Quadrant `yaml:"quadrants" json:"quadrants"`
	Overlay    []Asset    `yaml:"overlay" json:"overlay"`
}

// SortedByZ returns the visible assets ordered by ascending z-index.
// Assets sharing a z-index keep their declaration order.
func SortedByZ(assets []Asset) []Asset {
	out := make([]Asset, 0, len(assets))
	for _, a := range assets {
		if a.IsVisible() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ZIndex < out[j].ZIndex
	})
	return out
}

// Validate checks structural invariants of the scene.
func (s *Scene) Validate() error {
	if s.ID == "" {
		return ErrSceneIDRequired
	}

	ids := make(map[string]bool)
	check := func(group string, assets []Asset) error {
		for i, a := range assets {
			if a.ID == "" {
				return fmt.Errorf("%s[%d]: %w", group, i, ErrAssetIDRequired)
			}
			if ids[a.ID] {
				return ErrValidation{Field: group + "." + a.ID, Message: "duplicate asset id"}
			}
			ids[a.ID] = true
			if !a.Kind.Valid() {
				return ErrValidation{Field: group + "." + a.ID + ".kind", Message: fmt.Sprintf("unknown kind %q", a.Kind)}
			}
			if a.Transform.Scale < 0 {
				return ErrValidation{Field: group + "." + a.ID + ".transform.scale", Message: "must not be negative"}
			}
			if o := a.Transform.Opacity; o != nil && (*o < 0 || *o > 1) {
				return ErrValidation{Field: group + "." + a.ID + ".transform.opacity", Message: "must be within [0,1]"}
			}
		}
		return nil
	}

	if err := check("background", s.Background); err != nil {
		return err
	}
	quadrantIDs := make(map[int]bool)
	for _, q := range s.Quadrants {
		if q.ID < 0 || q.ID > 4 {
			return ErrValidation{Field: fmt.Sprintf("quadrants.%d", q.ID), Message: "id must be within 0-4"}
		}
		if quadrantIDs[q.ID] {
			return ErrValidation{Field: fmt.Sprintf("quadrants.%d", q.ID), Message: "duplicate quadrant id"}
		}
		quadrantIDs[q.ID] = true
		if q.Padding < 0 || 2*q.Padding > q.Bounds.Width || 2*q.Padding > q.Bounds.Height {
			return ErrValidation{Field: fmt.Sprintf("quadrants.%d.padding", q.ID), Message: "must be non-negative and fit within bounds"}
		}
		if err := check(fmt.Sprintf("quadrants.%d", q.ID), q.Assets); err != nil {
			return err
		}
	}
	return check("overlay", s.Overlay)
}
