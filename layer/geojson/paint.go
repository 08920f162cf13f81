package geojson

import (
	"image"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/project"
	"golang.org/x/image/vector"

	"github.com/petal-labs/petalprint/layer"
)

// painter turns geometries into antialiased coverage masks: one for
// polygon interiors, one for strokes and points. Geometries are projected
// to frame pixels and clipped to the view before any outline is built, so
// the work per geometry is bounded by the frame and not by the zoom.
type painter struct {
	frame  layer.Frame
	style  style
	view   orb.Bound
	fill   *vector.Rasterizer
	stroke *vector.Rasterizer
}

func newPainter(frame layer.Frame, st style) *painter {
	// Clipped edges run along the view border; keep them and their strokes
	// outside the canvas.
	pad := st.width + 2*st.radius + 2
	return &painter{
		frame: frame,
		style: st,
		view: orb.Bound{
			Min: orb.Point{-pad, -pad},
			Max: orb.Point{float64(frame.Width) + pad, float64(frame.Height) + pad},
		},
		fill:   vector.NewRasterizer(frame.Width, frame.Height),
		stroke: vector.NewRasterizer(frame.Width, frame.Height),
	}
}

func (p *painter) toPixel(pt orb.Point) orb.Point {
	x, y := p.frame.Pixel(pt[0], pt[1])
	return orb.Point{x, y}
}

// add projects g into frame pixels, clips it and queues its outlines.
func (p *painter) add(g orb.Geometry) {
	g = project.Geometry(orb.Clone(g), p.toPixel)
	p.shape(clip.Geometry(p.view, g))
}

func (p *painter) shape(g orb.Geometry) {
	switch g := g.(type) {
	case orb.Point:
		p.disc(g, p.style.radius)
	case orb.MultiPoint:
		for _, pt := range g {
			p.disc(pt, p.style.radius)
		}
	case orb.LineString:
		p.line(g)
	case orb.MultiLineString:
		for _, ls := range g {
			p.line(ls)
		}
	case orb.Ring:
		p.polygon(orb.Polygon{g})
	case orb.Polygon:
		p.polygon(g)
	case orb.MultiPolygon:
		for _, poly := range g {
			p.polygon(poly)
		}
	case orb.Collection:
		for _, c := range g {
			p.shape(c)
		}
	}
}

// polygon fills the rings and strokes their outlines. The exterior is
// wound counter-clockwise and holes clockwise, so holes cancel out of the
// fill coverage.
func (p *painter) polygon(poly orb.Polygon) {
	for i, ring := range poly {
		if len(ring) < 3 {
			continue
		}
		if p.style.fill != nil {
			want := orb.CCW
			if i > 0 {
				want = orb.CW
			}
			path(p.fill, oriented(ring, want))
		}
		closed := ring
		if !ring.Closed() {
			closed = append(orb.Ring(nil), ring...)
			closed = append(closed, ring[0])
		}
		p.line(orb.LineString(closed))
	}
}

// line strokes ls with square segment bodies and round joins.
func (p *painter) line(ls orb.LineString) {
	hw := math.Max(p.style.width/2, 0.5)
	for i := 1; i < len(ls); i++ {
		a, b := ls[i-1], ls[i]
		dx, dy := b[0]-a[0], b[1]-a[1]
		l := math.Hypot(dx, dy)
		if l == 0 {
			continue
		}
		nx, ny := -dy/l*hw, dx/l*hw
		path(p.stroke, oriented(orb.Ring{
			{a[0] + nx, a[1] + ny},
			{b[0] + nx, b[1] + ny},
			{b[0] - nx, b[1] - ny},
			{a[0] - nx, a[1] - ny},
		}, orb.CCW))
	}
	for _, pt := range ls {
		p.disc(pt, hw)
	}
}

func (p *painter) disc(c orb.Point, r float64) {
	r = math.Max(r, 0.5)
	n := max(16, int(math.Ceil(math.Pi*r)))
	ring := make(orb.Ring, n)
	for i := range ring {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring[i] = orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)}
	}
	path(p.stroke, oriented(ring, orb.CCW))
}

// draw composites the fill and stroke masks onto dst in that order.
func (p *painter) draw(dst *image.RGBA) {
	if p.style.fill != nil {
		p.fill.Draw(dst, dst.Bounds(), image.NewUniform(*p.style.fill), image.Point{})
	}
	p.stroke.Draw(dst, dst.Bounds(), image.NewUniform(p.style.stroke), image.Point{})
}

// oriented returns a copy of r wound in direction o. Outlines that share a
// winding accumulate where they overlap instead of cancelling.
func oriented(r orb.Ring, o orb.Orientation) orb.Ring {
	out := append(orb.Ring(nil), r...)
	if out.Orientation() != o {
		out.Reverse()
	}
	return out
}

func path(z *vector.Rasterizer, r orb.Ring) {
	if len(r) < 3 {
		return
	}
	z.MoveTo(float32(r[0][0]), float32(r[0][1]))
	for _, pt := range r[1:] {
		z.LineTo(float32(pt[0]), float32(pt[1]))
	}
	z.ClosePath()
}
