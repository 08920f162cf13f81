package compose

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Widget draws an overlay onto the composed canvas.
type Widget interface {
	Draw(dst *image.RGBA, ws core.WidgetSpec, spec *core.PrintSpec) error
}

// WidgetFunc adapts a function to the Widget interface.
type WidgetFunc func(dst *image.RGBA, ws core.WidgetSpec, spec *core.PrintSpec) error

// Draw calls f.
func (f WidgetFunc) Draw(dst *image.RGBA, ws core.WidgetSpec, spec *core.PrintSpec) error {
	return f(dst, ws, spec)
}

// DefaultWidgets returns the built-in widget set.
func DefaultWidgets() map[string]Widget {
	return map[string]Widget{
		"border":   WidgetFunc(drawBorder),
		"scalebar": WidgetFunc(drawScaleBar),
	}
}

const widgetMargin = 10

var black = color.NRGBA{A: 255}

func fillRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Over)
}

// drawBorder frames the canvas. Size is the frame width (default 2).
func drawBorder(dst *image.RGBA, ws core.WidgetSpec, _ *core.PrintSpec) error {
	w := ws.Size
	if w <= 0 {
		w = 2
	}
	c := core.ColorOr(ws.Color, black)
	b := dst.Bounds()
	fillRect(dst, image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+w), c)
	fillRect(dst, image.Rect(b.Min.X, b.Max.Y-w, b.Max.X, b.Max.Y), c)
	fillRect(dst, image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Max.Y), c)
	fillRect(dst, image.Rect(b.Max.X-w, b.Min.Y, b.Max.X, b.Max.Y), c)
	return nil
}

// ScaleBarLength picks a round ground distance, in meters, whose bar fits
// within maxPixels at metersPerPixel, and returns it with its pixel length.
func ScaleBarLength(metersPerPixel float64, maxPixels int) (meters float64, pixels int) {
	if metersPerPixel <= 0 || maxPixels <= 0 {
		return 0, 0
	}
	maxMeters := metersPerPixel * float64(maxPixels)
	pow := math.Pow(10, math.Floor(math.Log10(maxMeters)))
	for _, step := range []float64{5, 2, 1} {
		if step*pow <= maxMeters {
			meters = step * pow
			break
		}
	}
	return meters, int(math.Round(meters / metersPerPixel))
}

// drawScaleBar draws a four segment alternating bar sized from the ground
// resolution at the print center. Size caps its length (default 120px).
// Labels are not drawn.
func drawScaleBar(dst *image.RGBA, ws core.WidgetSpec, spec *core.PrintSpec) error {
	maxPx := ws.Size
	if maxPx <= 0 {
		maxPx = 120
	}
	frame := layer.NewFrame(spec)
	_, length := ScaleBarLength(frame.GroundResolution(), maxPx)
	if length < 4 {
		return nil
	}

	const height = 6
	c := core.ColorOr(ws.Color, black)
	b := dst.Bounds()
	var origin image.Point
	switch ws.Position {
	case "top-left":
		origin = image.Pt(b.Min.X+widgetMargin, b.Min.Y+widgetMargin)
	case "top-right":
		origin = image.Pt(b.Max.X-widgetMargin-length, b.Min.Y+widgetMargin)
	case "bottom-right":
		origin = image.Pt(b.Max.X-widgetMargin-length, b.Max.Y-widgetMargin-height)
	default:
		origin = image.Pt(b.Min.X+widgetMargin, b.Max.Y-widgetMargin-height)
	}

	outline := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(length, height))}
	fillRect(dst, outline, color.White)
	segment := length / 4
	for i := 0; i < 4; i += 2 {
		x0 := origin.X + i*segment
		x1 := x0 + segment
		fillRect(dst, image.Rect(x0, origin.Y, x1, origin.Y+height), c)
	}
	// Frame the white segments.
	fillRect(dst, image.Rect(outline.Min.X, outline.Min.Y, outline.Max.X, outline.Min.Y+1), c)
	fillRect(dst, image.Rect(outline.Min.X, outline.Max.Y-1, outline.Max.X, outline.Max.Y), c)
	fillRect(dst, image.Rect(outline.Max.X-1, outline.Min.Y, outline.Max.X, outline.Max.Y), c)
	return nil
}
