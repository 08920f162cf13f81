package layer

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/petal-labs/petalprint/core"
)

// TileSize is the edge length of a web mercator tile in pixels.
const TileSize = 256

const (
	// originShift is half the EPSG:3857 world width in meters.
	originShift = math.Pi * orb.EarthRadius
	// initialResolution is meters per pixel at zoom 0 on the equator.
	initialResolution = 2 * originShift / TileSize
)

// Frame describes the pixel grid a layer renders into.
type Frame struct {
	Width      int
	Height     int
	Center     [2]float64 // lon, lat
	Zoom       int
	Projection string
}

// NewFrame derives the frame of a normalized print spec.
func NewFrame(spec *core.PrintSpec) Frame {
	proj := spec.Projection
	if proj == "" {
		proj = core.ProjectionWebMercator
	}
	return Frame{
		Width:      spec.Width(),
		Height:     spec.Height(),
		Center:     spec.Center,
		Zoom:       spec.Zoom,
		Projection: proj,
	}
}

// WorldSize returns the edge length of the whole world in pixels at the
// frame's zoom.
func (f Frame) WorldSize() float64 {
	return TileSize * math.Exp2(float64(f.Zoom))
}

// Tiles returns the number of tiles along one axis at the frame's zoom.
func (f Frame) Tiles() int {
	return 1 << f.Zoom
}

// WorldPixel projects lon/lat to global pixel coordinates at the frame's zoom.
func (f Frame) WorldPixel(lon, lat float64) (x, y float64) {
	mx, my := Mercator(lon, lat)
	size := f.WorldSize()
	x = (mx + originShift) / (2 * originShift) * size
	y = (originShift - my) / (2 * originShift) * size
	return x, y
}

// Origin returns the global pixel coordinates of the frame's top-left corner.
func (f Frame) Origin() (x, y float64) {
	cx, cy := f.WorldPixel(f.Center[0], f.Center[1])
	return cx - float64(f.Width)/2, cy - float64(f.Height)/2
}

// Pixel projects lon/lat to pixel coordinates inside the frame.
func (f Frame) Pixel(lon, lat float64) (x, y float64) {
	wx, wy := f.WorldPixel(lon, lat)
	ox, oy := f.Origin()
	return wx - ox, wy - oy
}

// Resolution returns projected meters per pixel at the frame's zoom.
func (f Frame) Resolution() float64 {
	return initialResolution / math.Exp2(float64(f.Zoom))
}

// GroundResolution returns ground meters per pixel at the center latitude.
func (f Frame) GroundResolution() float64 {
	return f.Resolution() * math.Cos(clampLat(f.Center[1])*math.Pi/180)
}

// BBox returns the frame extent in EPSG:3857 meters as minx, miny, maxx, maxy.
func (f Frame) BBox() [4]float64 {
	mx, my := Mercator(f.Center[0], f.Center[1])
	res := f.Resolution()
	hw, hh := float64(f.Width)/2*res, float64(f.Height)/2*res
	return [4]float64{mx - hw, my - hh, mx + hw, my + hh}
}

// Mercator converts lon/lat to EPSG:3857 meters.
func Mercator(lon, lat float64) (x, y float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, clampLat(lat)})
	return p[0], p[1]
}

func clampLat(lat float64) float64 {
	return math.Max(-core.MaxLatitude, math.Min(core.MaxLatitude, lat))
}
