// Package compose combines the rendered layer surfaces of a finished job
// into the final image.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"log/slog"

	"github.com/petal-labs/petalprint/core"
)

// MIME types returned by Encode.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// ErrUnknownFormat is returned for output formats other than png and jpeg.
var ErrUnknownFormat = errors.New("unknown output format")

// Compositor draws the ordered layer surfaces of a finished job and encodes
// the result. The dispatcher calls Compose and Encode at most once per job,
// never for a canceled job, with empty surfaces already filtered out.
type Compositor interface {
	Compose(ctx context.Context, surfaces []*core.Surface, spec *core.PrintSpec) (*core.Surface, error)
	Encode(surface *core.Surface, out core.OutputSpec) ([]byte, string, error)
}

// SpecValidator is implemented by compositors that can reject a spec
// before a job starts.
type SpecValidator interface {
	ValidateSpec(spec *core.PrintSpec) error
}

// Config configures the default compositor.
type Config struct {
	// Background fills the canvas before the first layer. The zero value
	// leaves it transparent.
	Background color.Color
	// JPEGBackground replaces transparency when encoding JPEG (default: white).
	JPEGBackground color.Color
	// Widgets overrides the widget set (default: DefaultWidgets()).
	Widgets map[string]Widget
	Logger  *slog.Logger
}

// Default is the built-in compositor.
type Default struct {
	background     color.Color
	jpegBackground color.Color
	widgets        map[string]Widget
	logger         *slog.Logger
}

// New creates the default compositor.
func New(cfg Config) *Default {
	if cfg.JPEGBackground == nil {
		cfg.JPEGBackground = color.White
	}
	if cfg.Widgets == nil {
		cfg.Widgets = DefaultWidgets()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Default{
		background:     cfg.Background,
		jpegBackground: cfg.JPEGBackground,
		widgets:        cfg.Widgets,
		logger:         cfg.Logger,
	}
}

// ValidateSpec rejects widgets without a registered renderer.
func (d *Default) ValidateSpec(spec *core.PrintSpec) error {
	for i, w := range spec.Widgets {
		if _, ok := d.widgets[w.Type]; !ok {
			return fmt.Errorf("widgets[%d]: unknown widget type %q", i, w.Type)
		}
	}
	return nil
}

// Compose paints surfaces in order onto a canvas of the spec size, later
// surfaces over earlier ones, then draws the spec's widgets in order.
func (d *Default) Compose(ctx context.Context, surfaces []*core.Surface, spec *core.PrintSpec) (*core.Surface, error) {
	canvas := core.NewSurface(spec.Width(), spec.Height())
	dst := canvas.RGBA()
	if dst == nil {
		return nil, fmt.Errorf("invalid canvas size %dx%d", spec.Width(), spec.Height())
	}
	if d.background != nil {
		draw.Draw(dst, dst.Bounds(), image.NewUniform(d.background), image.Point{}, draw.Src)
	}

	for _, s := range surfaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := s.RGBA()
		if src == nil {
			continue
		}
		draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Over)
	}

	for i, ws := range spec.Widgets {
		w, ok := d.widgets[ws.Type]
		if !ok {
			return nil, fmt.Errorf("widgets[%d]: unknown widget type %q", i, ws.Type)
		}
		if err := w.Draw(dst, ws, spec); err != nil {
			return nil, fmt.Errorf("widgets[%d] (%s): %w", i, ws.Type, err)
		}
	}

	d.logger.Debug("composed surfaces", "layers", len(surfaces), "widgets", len(spec.Widgets))
	return canvas, nil
}

// Encode produces PNG (the default) or JPEG bytes and the MIME type.
func (d *Default) Encode(surface *core.Surface, out core.OutputSpec) ([]byte, string, error) {
	img := surface.RGBA()
	if img == nil {
		return nil, "", errors.New("cannot encode an empty surface")
	}

	var buf bytes.Buffer
	switch out.Format {
	case "", core.FormatPNG:
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), MIMEPNG, nil

	case core.FormatJPEG:
		quality := out.Quality
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		flat := image.NewRGBA(img.Bounds())
		draw.Draw(flat, flat.Bounds(), image.NewUniform(d.jpegBackground), image.Point{}, draw.Src)
		draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)
		if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
		return buf.Bytes(), MIMEJPEG, nil

	default:
		return nil, "", fmt.Errorf("%w %q", ErrUnknownFormat, out.Format)
	}
}

// Compile-time interface checks.
var (
	_ Compositor    = (*Default)(nil)
	_ SpecValidator = (*Default)(nil)
)
