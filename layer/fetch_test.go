package layer

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
	"testing"
)

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestFetcher_Image(t *testing.T) {
	body := pngBytes(t, 3, 2, color.RGBA{R: 255, A: 255})
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{UserAgent: "test-agent"})
	img, err := f.Image(context.Background(), srv.URL+"/tile.png")
	if err != nil {
		t.Fatalf("Image() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("image size = %v, want 3x2", b)
	}
	if gotUA != "test-agent" {
		t.Errorf("User-Agent = %q, want test-agent", gotUA)
	}
}

func TestFetcher_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{})
	_, err := f.Get(context.Background(), srv.URL+"/missing")

	var herr *HTTPError
	if !errors.As(err, &herr) {
		t.Fatalf("Get() error = %v, want *HTTPError", err)
	}
	if herr.StatusCode != http.StatusNotFound || !strings.HasSuffix(herr.URL, "/missing") {
		t.Fatalf("HTTPError = %+v", herr)
	}
}

func TestFetcher_BodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{MaxBodyBytes: 10})
	if _, err := f.Get(context.Background(), srv.URL); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("Get() error = %v, want ErrBodyTooLarge", err)
	}
}

func TestFetcher_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	f := NewFetcher(FetchConfig{})
	if _, err := f.Image(context.Background(), srv.URL); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("Image() error = %v, want decode error", err)
	}
}

func TestSharedClientPool(t *testing.T) {
	a := NewFetcher(FetchConfig{})
	b := NewFetcher(FetchConfig{})
	if a.client != b.client {
		t.Fatal("fetchers with the same timeout should share a client")
	}
}
