package layer

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/petal-labs/petalprint/core"
)

// DrawImage paints src onto dst with its top-left corner at at, scaled by
// alpha in [0, 1]. It is a no-op for empty surfaces.
func DrawImage(dst *core.Surface, src image.Image, at image.Point, alpha float64) {
	rgba := dst.RGBA()
	if rgba == nil || src == nil || alpha <= 0 {
		return
	}
	b := src.Bounds()
	r := image.Rectangle{Min: at, Max: at.Add(b.Size())}
	if alpha >= 1 {
		draw.Draw(rgba, r, src, b.Min, draw.Over)
		return
	}
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(alpha * 255))})
	draw.DrawMask(rgba, r, src, b.Min, mask, image.Point{}, draw.Over)
}

// Fill paints the whole surface with c scaled by alpha.
func Fill(dst *core.Surface, c color.Color, alpha float64) {
	rgba := dst.RGBA()
	if rgba == nil || alpha <= 0 {
		return
	}
	src := image.NewUniform(c)
	mask := image.NewUniform(color.Alpha{A: uint8(math.Round(math.Min(alpha, 1) * 255))})
	draw.DrawMask(rgba, rgba.Bounds(), src, image.Point{}, mask, image.Point{}, draw.Over)
}
