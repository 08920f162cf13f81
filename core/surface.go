package core

import (
	"image"
	"image/draw"
)

// Surface is a rendered raster buffer. The zero value and nil are both empty.
type Surface struct {
	img *image.RGBA
}

// NewSurface allocates a transparent surface of the given pixel size.
// Non-positive dimensions produce an empty surface.
func NewSurface(width, height int) *Surface {
	if width <= 0 || height <= 0 {
		return &Surface{}
	}
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// SurfaceFromImage copies img into a new surface anchored at the origin.
func SurfaceFromImage(img image.Image) *Surface {
	if img == nil {
		return &Surface{}
	}
	b := img.Bounds()
	s := NewSurface(b.Dx(), b.Dy())
	if s.img != nil {
		draw.Draw(s.img, s.img.Bounds(), img, b.Min, draw.Src)
	}
	return s
}

// RGBA returns the backing image, or nil for an empty surface.
func (s *Surface) RGBA() *image.RGBA {
	if s == nil {
		return nil
	}
	return s.img
}

// Width returns the width in pixels.
func (s *Surface) Width() int {
	if s == nil || s.img == nil {
		return 0
	}
	return s.img.Bounds().Dx()
}

// Height returns the height in pixels.
func (s *Surface) Height() int {
	if s == nil || s.img == nil {
		return 0
	}
	return s.img.Bounds().Dy()
}

// Empty reports whether the surface has zero area.
func (s *Surface) Empty() bool {
	return s.Width() == 0 || s.Height() == 0
}
