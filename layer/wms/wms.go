// Package wms renders one GetMap image per layer. Progress follows the
// stage ladder: request prepared, image loaded, surface ready.
package wms

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Type is the registered layer type name.
const Type = "wms"

// Backend renders WMS layers.
//
// When the layer URL contains any of {bbox}, {width}, {height} or {srs}
// they are substituted. Otherwise standard GetMap parameters are appended;
// config.layers and config.styles name the server layers, config.version
// overrides 1.3.0.
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
		Category:    "raster",
		DisplayName: "WMS",
		Description: "Single GetMap image covering the print frame",
		Progress:    layer.ProgressStage,
	}
}

// ValidateLayer implements layer.SpecValidator.
func (b *Backend) ValidateLayer(spec core.LayerSpec) error {
	if spec.URL == "" {
		return errors.New("url is required")
	}
	if !hasPlaceholders(spec.URL) && layer.ConfigString(spec.Config, "layers", "") == "" {
		return errors.New("config.layers is required when the url has no placeholders")
	}
	return nil
}

func hasPlaceholders(u string) bool {
	for _, p := range []string{"{bbox}", "{width}", "{height}", "{srs}"} {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}

// GetMapURL builds the request URL for frame.
func GetMapURL(spec core.LayerSpec, frame layer.Frame) (string, error) {
	bbox := frame.BBox()
	parts := make([]string, len(bbox))
	for i, v := range bbox {
		parts[i] = strconv.FormatFloat(v, 'f', 6, 64)
	}
	bboxStr := strings.Join(parts, ",")
	width := strconv.Itoa(frame.Width)
	height := strconv.Itoa(frame.Height)

	if hasPlaceholders(spec.URL) {
		r := strings.NewReplacer(
			"{bbox}", bboxStr,
			"{width}", width,
			"{height}", height,
			"{srs}", frame.Projection,
		)
		return r.Replace(spec.URL), nil
	}

	u, err := url.Parse(spec.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	version := layer.ConfigString(spec.Config, "version", "1.3.0")
	q := u.Query()
	q.Set("SERVICE", "WMS")
	q.Set("REQUEST", "GetMap")
	q.Set("VERSION", version)
	q.Set("LAYERS", layer.ConfigString(spec.Config, "layers", ""))
	q.Set("STYLES", layer.ConfigString(spec.Config, "styles", ""))
	q.Set("FORMAT", layer.ConfigString(spec.Config, "format", "image/png"))
	q.Set("TRANSPARENT", "TRUE")
	q.Set("WIDTH", width)
	q.Set("HEIGHT", height)
	q.Set("BBOX", bboxStr)
	if version == "1.1.1" {
		q.Set("SRS", frame.Projection)
	} else {
		q.Set("CRS", frame.Projection)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Render implements layer.Backend.
func (b *Backend) Render(ctx context.Context, req layer.Request, emit layer.Emit) error {
	stages := layer.NewStageProgress(emit)

	u, err := GetMapURL(req.Spec, req.Frame)
	if err != nil {
		return err
	}
	stages.Prepared()

	img, err := b.fetcher.Image(ctx, u)
	if err != nil {
		return err
	}
	stages.Loaded()

	surface := core.NewSurface(req.Frame.Width, req.Frame.Height)
	layer.DrawImage(surface, img, image.Point{}, req.Spec.Alpha())
	stages.Ready(surface)
	return nil
}
