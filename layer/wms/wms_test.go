package wms

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

func TestGetMapURL_Placeholders(t *testing.T) {
	frame := layer.Frame{Width: 256, Height: 128, Zoom: 0, Projection: core.ProjectionWebMercator}
	got, err := GetMapURL(core.LayerSpec{URL: "https://wms/map?bbox={bbox}&w={width}&h={height}&crs={srs}"}, frame)
	if err != nil {
		t.Fatalf("GetMapURL() error = %v", err)
	}
	if !strings.Contains(got, "w=256&h=128&crs=EPSG:3857") {
		t.Errorf("GetMapURL() = %q", got)
	}
	if !strings.Contains(got, "bbox=-20037508.342789,") {
		t.Errorf("GetMapURL() bbox = %q", got)
	}
}

func TestGetMapURL_Parameters(t *testing.T) {
	frame := layer.Frame{Width: 10, Height: 20, Projection: core.ProjectionWebMercator}
	spec := core.LayerSpec{
		URL:    "https://wms/service?token=abc",
		Config: map[string]any{"layers": "roads", "version": "1.1.1"},
	}
	got, err := GetMapURL(spec, frame)
	if err != nil {
		t.Fatalf("GetMapURL() error = %v", err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	checks := map[string]string{
		"token":   "abc",
		"REQUEST": "GetMap",
		"LAYERS":  "roads",
		"SRS":     "EPSG:3857",
		"WIDTH":   "10",
		"HEIGHT":  "20",
	}
	for k, want := range checks {
		if q.Get(k) != want {
			t.Errorf("%s = %q, want %q", k, q.Get(k), want)
		}
	}
	if q.Get("CRS") != "" {
		t.Error("version 1.1.1 must use SRS, not CRS")
	}
}

func TestValidateLayer(t *testing.T) {
	b := New(nil)
	if err := b.ValidateLayer(core.LayerSpec{URL: "https://wms"}); err == nil {
		t.Error("expected error when neither placeholders nor config.layers are given")
	}
	if err := b.ValidateLayer(core.LayerSpec{URL: "https://wms?b={bbox}"}); err != nil {
		t.Errorf("ValidateLayer() error = %v", err)
	}
}

func TestRender_Stages(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)

	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	var updates []core.LayerUpdate
	req := layer.Request{
		Spec:  core.LayerSpec{Type: Type, URL: srv.URL, Config: map[string]any{"layers": "base"}},
		Frame: layer.Frame{Width: 8, Height: 8, Projection: core.ProjectionWebMercator},
	}
	err := New(nil).Render(context.Background(), req, func(u core.LayerUpdate) { updates = append(updates, u) })
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	if len(updates) != 3 {
		t.Fatalf("got %d updates, want prepared, loaded, ready", len(updates))
	}
	if updates[0].Progress != 0.5 || updates[1].Progress != 0.75 || updates[2].Kind != core.UpdateReady {
		t.Fatalf("updates = %+v", updates)
	}
	if got := updates[2].Surface.RGBA().RGBAAt(4, 4); got != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("pixel = %v, want white", got)
	}
	if gotQuery.Get("LAYERS") != "base" {
		t.Errorf("LAYERS = %q, want base", gotQuery.Get("LAYERS"))
	}
}

func TestRender_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var updates []core.LayerUpdate
	req := layer.Request{
		Spec:  core.LayerSpec{Type: Type, URL: srv.URL + "?bbox={bbox}"},
		Frame: layer.Frame{Width: 8, Height: 8, Projection: core.ProjectionWebMercator},
	}
	err := New(nil).Render(context.Background(), req, func(u core.LayerUpdate) { updates = append(updates, u) })
	if err == nil {
		t.Fatal("Render() error = nil, want HTTP error")
	}
	if len(updates) != 1 || updates[0].Progress != 0.5 {
		t.Fatalf("updates = %+v, want only the prepared stage", updates)
	}
}
