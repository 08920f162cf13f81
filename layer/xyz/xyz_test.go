package xyz

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

func TestTiles_CoverFrame(t *testing.T) {
	frame := layer.Frame{Width: 256, Height: 256, Zoom: 1}
	tiles := Tiles(frame)
	if len(tiles) != 4 {
		t.Fatalf("got %d tiles, want 4", len(tiles))
	}
	first := tiles[0]
	if first.X != 0 || first.Y != 0 || first.At != (image.Point{X: -128, Y: -128}) {
		t.Fatalf("first tile = %+v", first)
	}
}

func TestTiles_WrapAndClip(t *testing.T) {
	// At zoom 0 a 600px wide frame spans three copies of the single tile
	// horizontally; rows above and below the world are dropped.
	frame := layer.Frame{Width: 600, Height: 600, Zoom: 0}
	tiles := Tiles(frame)
	if len(tiles) != 3 {
		t.Fatalf("got %d tiles, want 3", len(tiles))
	}
	for _, tile := range tiles {
		if tile.X != 0 || tile.Y != 0 {
			t.Fatalf("tile = %+v, want wrapped to 0/0", tile)
		}
	}
}

func TestTileURL(t *testing.T) {
	tile := Tile{Z: 3, X: 5, Y: 2}
	got := TileURL("https://{s}.tiles/{z}/{x}/{y}.png?tms={-y}", tile, []string{"a", "b", "c"})
	want := "https://b.tiles/3/5/2.png?tms=5"
	if got != want {
		t.Fatalf("TileURL() = %q, want %q", got, want)
	}
}

func TestValidateLayer(t *testing.T) {
	b := New(Config{})
	tests := []struct {
		spec    core.LayerSpec
		wantErr string
	}{
		{core.LayerSpec{URL: "https://t/{z}/{x}/{y}.png"}, ""},
		{core.LayerSpec{}, "url is required"},
		{core.LayerSpec{URL: "https://t/{z}/{x}.png"}, "{y}"},
		{core.LayerSpec{URL: "https://{s}.t/{z}/{x}/{y}.png"}, "subdomains"},
	}
	for _, tt := range tests {
		err := b.ValidateLayer(tt.spec)
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("ValidateLayer(%q) error = %v", tt.spec.URL, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ValidateLayer(%q) error = %v, want %q", tt.spec.URL, err, tt.wantErr)
		}
	}
}

type recorder struct {
	mu  sync.Mutex
	got []core.LayerUpdate
}

func (r *recorder) emit(u core.LayerUpdate) {
	r.mu.Lock()
	r.got = append(r.got, u)
	r.mu.Unlock()
}

func tileServer(t *testing.T, missing string) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 256, 256))
	for i := range img.Pix {
		if i%4 == 0 || i%4 == 3 {
			img.Pix[i] = 255
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == missing {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRender_PartialSurfaceOnTileError(t *testing.T) {
	srv := tileServer(t, "/1/1/1.png")
	b := New(Config{Concurrency: 2, Cadence: time.Hour})

	var rec recorder
	req := layer.Request{
		Spec:  core.LayerSpec{Type: Type, URL: srv.URL + "/{z}/{x}/{y}.png"},
		Frame: layer.Frame{Width: 256, Height: 256, Zoom: 1},
	}
	if err := b.Render(context.Background(), req, rec.emit); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var failed, ready []core.LayerUpdate
	for _, u := range rec.got {
		switch u.Kind {
		case core.UpdateFailed:
			failed = append(failed, u)
		case core.UpdateReady:
			ready = append(ready, u)
		}
	}
	if len(failed) != 1 || !strings.HasSuffix(failed[0].URL, "/1/1/1.png") {
		t.Fatalf("failed updates = %+v, want one for tile 1/1/1", failed)
	}
	if len(ready) != 1 {
		t.Fatalf("got %d ready updates, want 1", len(ready))
	}

	s := ready[0].Surface.RGBA()
	if got := s.RGBAAt(10, 10); got != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("pixel from a loaded tile = %v, want red", got)
	}
	if got := s.RGBAAt(200, 200); got.A != 0 {
		t.Errorf("pixel from the missing tile = %v, want transparent", got)
	}
}

func TestRender_Strict(t *testing.T) {
	srv := tileServer(t, "/1/0/0.png")
	b := New(Config{Cadence: time.Hour})

	var rec recorder
	req := layer.Request{
		Spec: core.LayerSpec{
			Type:   Type,
			URL:    srv.URL + "/{z}/{x}/{y}.png",
			Config: map[string]any{"strict": true},
		},
		Frame: layer.Frame{Width: 256, Height: 256, Zoom: 1},
	}
	err := b.Render(context.Background(), req, rec.emit)
	if !errors.Is(err, ErrTilesFailed) {
		t.Fatalf("Render() error = %v, want ErrTilesFailed", err)
	}
	for _, u := range rec.got {
		if u.Kind == core.UpdateReady {
			t.Fatal("strict layer must not emit ready after a tile error")
		}
	}
}

func TestRender_Canceled(t *testing.T) {
	srv := tileServer(t, "")
	b := New(Config{Cadence: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recorder
	req := layer.Request{
		Spec:  core.LayerSpec{Type: Type, URL: srv.URL + "/{z}/{x}/{y}.png"},
		Frame: layer.Frame{Width: 256, Height: 256, Zoom: 1},
	}
	if err := b.Render(ctx, req, rec.emit); !errors.Is(err, context.Canceled) {
		t.Fatalf("Render() error = %v, want context.Canceled", err)
	}
}

func TestRender_StrictStopsInFlightTiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/1/0/0.png" {
			http.NotFound(w, r)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	b := New(Config{Concurrency: 4, Cadence: time.Hour})
	req := layer.Request{
		Spec: core.LayerSpec{
			Type:   Type,
			URL:    srv.URL + "/{z}/{x}/{y}.png",
			Config: map[string]any{"strict": true},
		},
		Frame: layer.Frame{Width: 256, Height: 256, Zoom: 1},
	}

	var rec recorder
	start := time.Now()
	err := b.Render(context.Background(), req, rec.emit)
	if !errors.Is(err, ErrTilesFailed) {
		t.Fatalf("Render() error = %v, want ErrTilesFailed", err)
	}
	if !strings.Contains(err.Error(), "tile 1/0/0") {
		t.Errorf("error %q should name the failed tile", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Render() took %s; the stalled tiles were not canceled", elapsed)
	}
}
