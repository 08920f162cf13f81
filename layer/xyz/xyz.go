// Package xyz renders slippy-map raster tiles addressed by {z}/{x}/{y}
// URL templates. Progress is queue based: one unit per tile.
package xyz

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Type is the registered layer type name.
const Type = "xyz"

// DefaultConcurrency bounds parallel tile fetches per layer.
const DefaultConcurrency = 8

// ErrTilesFailed is returned by strict layers when any tile failed.
var ErrTilesFailed = errors.New("tiles failed to load")

// Config configures the backend.
type Config struct {
	Fetcher     *layer.Fetcher
	Concurrency int
	// Cadence is the progress report interval (default: layer.DefaultCadence).
	Cadence time.Duration
}

// Backend renders XYZ tile layers.
//
// Layer config keys:
//
//	subdomains  list of values substituted for {s}
//	strict      when true, any failed tile fails the layer instead of
//	            producing a partial surface
type Backend struct {
	fetcher     *layer.Fetcher
	concurrency int
	cadence     time.Duration
}

// New creates the backend.
func New(cfg Config) *Backend {
	if cfg.Fetcher == nil {
		cfg.Fetcher = layer.NewFetcher(layer.FetchConfig{})
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Backend{
		fetcher:     cfg.Fetcher,
		concurrency: cfg.Concurrency,
		cadence:     cfg.Cadence,
	}
}

// Type implements layer.Backend.
func (b *Backend) Type() string { return Type }

// Describe implements layer.Describer.
func (b *Backend) Describe() layer.TypeDef {
	return layer.TypeDef{
		Category:    "raster",
		DisplayName: "XYZ tiles",
		Description: "Raster tiles from a {z}/{x}/{y} URL template",
		Progress:    layer.ProgressQueue,
	}
}

// ValidateLayer implements layer.SpecValidator.
func (b *Backend) ValidateLayer(spec core.LayerSpec) error {
	if spec.URL == "" {
		return errors.New("url is required")
	}
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(spec.URL, p) {
			return fmt.Errorf("url template must contain %s", p)
		}
	}
	if strings.Contains(spec.URL, "{s}") && len(layer.ConfigStrings(spec.Config, "subdomains")) == 0 {
		return errors.New("url template uses {s} but config.subdomains is empty")
	}
	return nil
}

// Tile addresses one tile.
type Tile struct {
	Z, X, Y int
	// At is where the tile's top-left corner lands in the frame.
	At image.Point
}

// Tiles lists the tiles covering frame in row-major order. Columns wrap
// around the antimeridian; rows outside the world are skipped.
func Tiles(frame layer.Frame) []Tile {
	ox, oy := frame.Origin()
	x0 := int(math.Floor(ox / layer.TileSize))
	y0 := int(math.Floor(oy / layer.TileSize))
	x1 := int(math.Floor((ox + float64(frame.Width) - 1) / layer.TileSize))
	y1 := int(math.Floor((oy + float64(frame.Height) - 1) / layer.TileSize))
	n := frame.Tiles()

	var tiles []Tile
	for ty := y0; ty <= y1; ty++ {
		if ty < 0 || ty >= n {
			continue
		}
		for tx := x0; tx <= x1; tx++ {
			tiles = append(tiles, Tile{
				Z: frame.Zoom,
				X: ((tx % n) + n) % n,
				Y: ty,
				At: image.Point{
					X: int(math.Round(float64(tx*layer.TileSize) - ox)),
					Y: int(math.Round(float64(ty*layer.TileSize) - oy)),
				},
			})
		}
	}
	return tiles
}

// TileURL expands a template for t.
func TileURL(template string, t Tile, subdomains []string) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(t.Z),
		"{x}", strconv.Itoa(t.X),
		"{y}", strconv.Itoa(t.Y),
		"{-y}", strconv.Itoa((1<<t.Z)-1-t.Y),
	)
	url := r.Replace(template)
	if len(subdomains) > 0 {
		url = strings.ReplaceAll(url, "{s}", subdomains[(t.X+t.Y)%len(subdomains)])
	}
	return url
}

// Render implements layer.Backend.
func (b *Backend) Render(ctx context.Context, req layer.Request, emit layer.Emit) error {
	tiles := Tiles(req.Frame)
	subdomains := layer.ConfigStrings(req.Spec.Config, "subdomains")
	strict := layer.ConfigBool(req.Spec.Config, "strict", false)
	alpha := req.Spec.Alpha()

	surface := core.NewSurface(req.Frame.Width, req.Frame.Height)
	var drawMu sync.Mutex

	q := layer.NewQueueProgress(len(tiles), emit, b.cadence)
	q.Start(ctx)
	defer q.Stop()

	// Strict layers stop fetching at the first failed tile; the group
	// context cancels the tiles still in flight.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, t := range tiles {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			q.Dequeue()
			url := TileURL(req.Spec.URL, t, subdomains)
			img, err := b.fetcher.Image(gctx, url)
			if err != nil {
				if gctx.Err() != nil {
					q.Done(nil, "")
					return gctx.Err()
				}
				q.Done(err, url)
				if strict {
					return fmt.Errorf("tile %d/%d/%d: %w", t.Z, t.X, t.Y, ErrTilesFailed)
				}
				return nil
			}
			drawMu.Lock()
			layer.DrawImage(surface, img, t.At, alpha)
			drawMu.Unlock()
			q.Done(nil, "")
			return nil
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}
	emit(core.Ready(surface))
	return nil
}
