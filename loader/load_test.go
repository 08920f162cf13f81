package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const specJSON = `{
  "layers": [
    {"type": "xyz", "url": "https://tiles.example/{z}/{x}/{y}.png", "opacity": 0.8},
    {"type": "geojson", "config": {"data": {"type": "FeatureCollection", "features": []}}}
  ],
  "size": [800, 600],
  "center": [7.44, 46.95],
  "zoom": 12,
  "output": {"format": "jpeg", "quality": 80}
}`

const specYAML = `layers:
  - type: xyz
    url: https://tiles.example/{z}/{x}/{y}.png
    opacity: 0.8
  - type: geojson
    config:
      data:
        type: FeatureCollection
        features: []
size: [800, 600]
center: [7.44, 46.95]
zoom: 12
output:
  format: jpeg
  quality: 80
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadFile_JSONAndYAMLAgree(t *testing.T) {
	for _, tc := range []struct{ name, content string }{
		{"print.json", specJSON},
		{"print.yaml", specYAML},
		{"print.yml", specYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			spec, err := LoadFile(writeFile(t, tc.name, tc.content))
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if len(spec.Layers) != 2 {
				t.Fatalf("layers = %d, want 2", len(spec.Layers))
			}
			if spec.Layers[0].Alpha() != 0.8 {
				t.Errorf("opacity = %v, want 0.8", spec.Layers[0].Alpha())
			}
			if spec.Width() != 800 || spec.Height() != 600 {
				t.Errorf("size = %v, want [800 600]", spec.Size)
			}
			if spec.Center != [2]float64{7.44, 46.95} {
				t.Errorf("center = %v", spec.Center)
			}
			if spec.Output.Format != "jpeg" || spec.Output.Quality != 80 {
				t.Errorf("output = %+v", spec.Output)
			}
			data, ok := spec.Layers[1].Config["data"].(map[string]any)
			if !ok || data["type"] != "FeatureCollection" {
				t.Errorf("geojson config = %#v", spec.Layers[1].Config)
			}
			if err := spec.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadFile() error = %v, want os.ErrNotExist", err)
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		t.Error("missing file should not be a ParseError")
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"broken json", "a.json", `{"layers": [`},
		{"broken yaml", "a.yaml", "layers: [\n  - type: xyz\n  bad"},
		{"unknown field", "a.json", `{"layers": [], "size": [1, 1], "zoomm": 3}`},
		{"wrong type", "a.json", `{"zoom": "twelve"}`},
		{"empty", "a.json", "  \n"},
		{"trailing data", "a.json", `{"zoom": 1} {"zoom": 2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.data), tt.path)
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Load() error = %v, want *ParseError", err)
			}
			if pe.Path != tt.path {
				t.Errorf("Path = %q, want %q", pe.Path, tt.path)
			}
		})
	}
}

func TestLoad_EmptyIsErrEmpty(t *testing.T) {
	_, err := Load(nil, "x.yaml")
	if !errors.Is(err, ErrEmpty) {
		t.Fatalf("Load() error = %v, want ErrEmpty", err)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		path string
		data string
		want Format
	}{
		{"spec.json", "layers: []", FormatJSON},
		{"spec.YAML", "{}", FormatYAML},
		{"spec.yml", "", FormatYAML},
		{"-", "  \n{\"zoom\": 1}", FormatJSON},
		{"-", "zoom: 1", FormatYAML},
		{"spec.txt", "{}", FormatJSON},
	}
	for _, tt := range tests {
		if got := DetectFormat(tt.path, []byte(tt.data)); got != tt.want {
			t.Errorf("DetectFormat(%q, %q) = %q, want %q", tt.path, tt.data, got, tt.want)
		}
	}
}

func TestLoad_SniffedYAML(t *testing.T) {
	spec, err := Load([]byte(specYAML), "-")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if spec.Zoom != 12 {
		t.Errorf("zoom = %d, want 12", spec.Zoom)
	}
}
