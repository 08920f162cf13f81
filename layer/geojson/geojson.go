// Package geojson renders GeoJSON vector data: points as dots, lines as
// strokes and polygons as outlines with an optional fill. Drawing is
// antialiased. Progress follows
// the stage ladder: style prepared, data loaded, surface ready.
package geojson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Type is the registered layer type name.
const Type = "geojson"

// DefaultColor is the stroke color when the layer has none.
var DefaultColor = color.NRGBA{R: 0x33, G: 0x88, B: 0xff, A: 0xff}

// Backend renders GeoJSON layers.
//
// The data comes from config.data (an inline GeoJSON object) or is fetched
// from the layer URL. Other config keys: width (stroke px, default 2),
// radius (point px, default 3), fill (hex color for polygon interiors).
type Backend struct {
	fetcher *layer.Fetcher
}

// New creates the backend.
func New(fetcher *layer.Fetcher) *Backend {
	if fetcher == nil {
		fetcher = layer.NewFetcher(layer.FetchConfig{})
	}
	return &Backend{fetcher: fetcher}
}

// Type implements layer.Backend.
func (b *Backend) Type() string { return Type }

// Describe implements layer.Describer.
func (b *Backend) Describe() layer.TypeDef {
	return layer.TypeDef{
		Category:    "vector",
		DisplayName: "GeoJSON",
		Description: "Points, lines and polygons from inline or remote GeoJSON",
		Progress:    layer.ProgressStage,
	}
}

// ValidateLayer implements layer.SpecValidator.
func (b *Backend) ValidateLayer(spec core.LayerSpec) error {
	if spec.URL == "" && spec.Config["data"] == nil {
		return errors.New("url or config.data is required")
	}
	if fill := layer.ConfigString(spec.Config, "fill", ""); fill != "" {
		if _, err := core.ParseHexColor(fill); err != nil {
			return fmt.Errorf("config.fill: %w", err)
		}
	}
	return nil
}

type style struct {
	stroke  color.NRGBA
	fill    *color.NRGBA
	width   float64
	radius  float64
	opacity float64
}

func parseStyle(spec core.LayerSpec) style {
	s := style{
		stroke:  core.ColorOr(spec.Color, DefaultColor),
		width:   layer.ConfigFloat(spec.Config, "width", 2),
		radius:  layer.ConfigFloat(spec.Config, "radius", 3),
		opacity: spec.Alpha(),
	}
	if f := layer.ConfigString(spec.Config, "fill", ""); f != "" {
		if c, err := core.ParseHexColor(f); err == nil {
			s.fill = &c
		}
	}
	return s
}

// Render implements layer.Backend.
func (b *Backend) Render(ctx context.Context, req layer.Request, emit layer.Emit) error {
	stages := layer.NewStageProgress(emit)
	st := parseStyle(req.Spec)
	stages.Prepared()

	raw, err := b.load(ctx, req.Spec)
	if err != nil {
		return err
	}
	geoms, err := Parse(raw)
	if err != nil {
		if req.Spec.URL != "" {
			return fmt.Errorf("%s: %w", req.Spec.URL, err)
		}
		return err
	}
	stages.Loaded()

	p := newPainter(req.Frame, st)
	for _, g := range geoms {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.add(g)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	scratch := image.NewRGBA(image.Rect(0, 0, req.Frame.Width, req.Frame.Height))
	p.draw(scratch)

	surface := core.NewSurface(req.Frame.Width, req.Frame.Height)
	layer.DrawImage(surface, scratch, image.Point{}, st.opacity)
	stages.Ready(surface)
	return nil
}

func (b *Backend) load(ctx context.Context, spec core.LayerSpec) ([]byte, error) {
	if data, ok := spec.Config["data"]; ok && data != nil {
		if s, ok := data.(string); ok {
			return []byte(s), nil
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode inline data: %w", err)
		}
		return raw, nil
	}
	return b.fetcher.Get(ctx, spec.URL)
}
