package geojson

import (
	"context"
	"errors"
	"image/color"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

const sample = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0, 12]}},
    {"type": "Feature", "geometry": null},
    {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[-10, 0], [10, 0]]}},
    {"type": "Feature", "geometry": {"type": "MultiPolygon", "coordinates": [
      [[[0, 0], [1, 0], [1, 1], [0, 0]]],
      [[[2, 2], [3, 2], [3, 3], [2, 2]]]
    ]}},
    {"type": "Feature", "geometry": {"type": "GeometryCollection", "geometries": [
      {"type": "MultiPoint", "coordinates": [[1, 1], [2, 2]]}
    ]}}
  ]
}`

func TestParse(t *testing.T) {
	geoms, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(geoms) != 4 {
		t.Fatalf("got %d geometries, want 4", len(geoms))
	}
	if pt, ok := geoms[0].(orb.Point); !ok || pt != (orb.Point{0, 0}) {
		t.Errorf("point = %#v", geoms[0])
	}
	if ls, ok := geoms[1].(orb.LineString); !ok || len(ls) != 2 {
		t.Errorf("line = %#v", geoms[1])
	}
	if mp, ok := geoms[2].(orb.MultiPolygon); !ok || len(mp) != 2 {
		t.Errorf("multipolygon = %#v, want two polygons", geoms[2])
	}
	if mpt, ok := geoms[3].(orb.MultiPoint); !ok || len(mpt) != 2 {
		t.Errorf("multipoint from the collection = %#v, want two points", geoms[3])
	}
}

func TestParse_SingleFeatureAndGeometry(t *testing.T) {
	geoms, err := Parse([]byte(`{"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [7, 46]}}`))
	if err != nil || len(geoms) != 1 {
		t.Fatalf("Parse(Feature) = %v, %v", geoms, err)
	}
	geoms, err = Parse([]byte(`{"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 1], [0, 0]]]}`))
	if err != nil || len(geoms) != 1 {
		t.Fatalf("Parse(Polygon) = %v, %v", geoms, err)
	}
	if _, ok := geoms[0].(orb.Polygon); !ok {
		t.Fatalf("geometry = %T, want orb.Polygon", geoms[0])
	}
}

func TestParse_Errors(t *testing.T) {
	if _, err := Parse([]byte(`{"type": "Topology"}`)); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Parse(Topology) error = %v, want ErrUnsupported", err)
	}
	if _, err := Parse([]byte(`{"type": "Point", "coordinates": "north"}`)); err == nil {
		t.Error("Parse() should reject non-array coordinates")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("Parse() should reject invalid json")
	}
}

func frame() layer.Frame {
	return layer.Frame{Width: 64, Height: 64, Zoom: 2, Projection: core.ProjectionWebMercator}
}

func TestRender_InlinePoint(t *testing.T) {
	spec := core.LayerSpec{
		Type:  Type,
		Color: "#ff0000",
		Config: map[string]any{
			"data":   map[string]any{"type": "Point", "coordinates": []any{0.0, 0.0}},
			"radius": 4,
		},
	}
	var updates []core.LayerUpdate
	err := New(nil).Render(context.Background(), layer.Request{Spec: spec, Frame: frame()}, func(u core.LayerUpdate) {
		updates = append(updates, u)
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if len(updates) != 3 || updates[2].Kind != core.UpdateReady {
		t.Fatalf("updates = %+v, want prepared, loaded, ready", updates)
	}
	img := updates[2].Surface.RGBA()
	if got := img.RGBAAt(32, 32); got != (color.RGBA{255, 0, 0, 255}) {
		t.Errorf("center pixel = %v, want red", got)
	}
	if got := img.RGBAAt(2, 2); got.A != 0 {
		t.Errorf("corner pixel = %v, want transparent", got)
	}
}

func TestRender_PolygonFill(t *testing.T) {
	spec := core.LayerSpec{
		Type:  Type,
		Color: "#000000",
		Config: map[string]any{
			"data": `{"type": "Polygon", "coordinates": [[[-20, -20], [20, -20], [20, 20], [-20, 20], [-20, -20]]]}`,
			"fill": "#00ff00",
		},
	}
	var ready core.LayerUpdate
	err := New(nil).Render(context.Background(), layer.Request{Spec: spec, Frame: frame()}, func(u core.LayerUpdate) {
		if u.Kind == core.UpdateReady {
			ready = u
		}
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got := ready.Surface.RGBA().RGBAAt(32, 32); got != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("interior pixel = %v, want green fill", got)
	}
}

func TestRender_Fetched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	spec := core.LayerSpec{Type: Type, URL: srv.URL}
	var kinds []core.UpdateKind
	err := New(nil).Render(context.Background(), layer.Request{Spec: spec, Frame: frame()}, func(u core.LayerUpdate) {
		kinds = append(kinds, u.Kind)
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if kinds[len(kinds)-1] != core.UpdateReady {
		t.Fatalf("last update = %v, want ready", kinds[len(kinds)-1])
	}
}

func TestValidateLayer(t *testing.T) {
	b := New(nil)
	if err := b.ValidateLayer(core.LayerSpec{}); err == nil {
		t.Error("expected error without url or data")
	}
	if err := b.ValidateLayer(core.LayerSpec{URL: "x", Config: map[string]any{"fill": "green"}}); err == nil {
		t.Error("expected error for invalid fill color")
	}
	if err := b.ValidateLayer(core.LayerSpec{Config: map[string]any{"data": "{}"}}); err != nil {
		t.Errorf("ValidateLayer() error = %v", err)
	}
}

func renderReady(t *testing.T, ctx context.Context, spec core.LayerSpec, f layer.Frame) core.LayerUpdate {
	t.Helper()
	var ready core.LayerUpdate
	err := New(nil).Render(ctx, layer.Request{Spec: spec, Frame: f}, func(u core.LayerUpdate) {
		if u.Kind == core.UpdateReady {
			ready = u
		}
	})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if ready.Kind != core.UpdateReady {
		t.Fatal("Render() did not emit ready")
	}
	return ready
}

func TestRender_PolygonHoleStaysEmpty(t *testing.T) {
	// Both rings are wound the same way in the input; the hole must still
	// be cut out of the fill.
	spec := core.LayerSpec{
		Type:  Type,
		Color: "#000000",
		Config: map[string]any{
			"data": `{"type": "Polygon", "coordinates": [
				[[-20, -20], [20, -20], [20, 20], [-20, 20], [-20, -20]],
				[[-5, -5], [5, -5], [5, 5], [-5, 5], [-5, -5]]
			]}`,
			"fill": "#00ff00",
		},
	}
	img := renderReady(t, context.Background(), spec, frame()).Surface.RGBA()
	if got := img.RGBAAt(32, 32); got.A != 0 {
		t.Errorf("pixel inside the hole = %v, want transparent", got)
	}
	if got := img.RGBAAt(5, 5); got != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("pixel between the rings = %v, want green fill", got)
	}
}

func TestRender_LongLineIsClippedToTheFrame(t *testing.T) {
	// At zoom 22 this line is billions of pixels long; only the part
	// crossing the 64x64 frame may cost anything.
	spec := core.LayerSpec{
		Type:  Type,
		Color: "#ff0000",
		Config: map[string]any{
			"data": `{"type": "LineString", "coordinates": [[-170, 0], [170, 0]]}`,
		},
	}
	f := layer.Frame{Width: 64, Height: 64, Zoom: 22, Projection: core.ProjectionWebMercator}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	img := renderReady(t, ctx, spec, f).Surface.RGBA()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Render() took %s", elapsed)
	}
	if got := img.RGBAAt(10, 32); got.A == 0 {
		t.Errorf("pixel on the line = %v, want stroked", got)
	}
	if got := img.RGBAAt(10, 10); got.A != 0 {
		t.Errorf("pixel off the line = %v, want transparent", got)
	}
}

func TestRender_CanceledBeforePainting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	spec := core.LayerSpec{
		Type:   Type,
		Config: map[string]any{"data": `{"type": "LineString", "coordinates": [[-170, 0], [170, 0]]}`},
	}
	var kinds []core.UpdateKind
	err := New(nil).Render(ctx, layer.Request{Spec: spec, Frame: frame()}, func(u core.LayerUpdate) {
		kinds = append(kinds, u.Kind)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Render() error = %v, want context.Canceled", err)
	}
	for _, k := range kinds {
		if k == core.UpdateReady {
			t.Fatal("canceled render must not emit ready")
		}
	}
}
