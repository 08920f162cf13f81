package core

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ProjectionWebMercator is the only projection the built-in backends render.
const ProjectionWebMercator = "EPSG:3857"

// MaxLatitude is the web mercator latitude limit.
const MaxLatitude = 85.05112878

// Output formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// PrintSpec is a declarative map-print request. It is read-only once
// submitted; the dispatcher keeps its own clone.
type PrintSpec struct {
	Layers     []LayerSpec  `json:"layers" validate:"dive"`
	Size       [2]int       `json:"size" validate:"dive,min=1,max=8192"`
	Center     [2]float64   `json:"center"`
	Zoom       int          `json:"zoom" validate:"min=0,max=22"`
	Projection string       `json:"projection,omitempty" validate:"omitempty,oneof=EPSG:3857"`
	Output     OutputSpec   `json:"output,omitempty"`
	Widgets    []WidgetSpec `json:"widgets,omitempty" validate:"dive"`
}

// LayerSpec configures one layer. Fields beyond Type are interpreted by the
// backend registered for Type.
type LayerSpec struct {
	Type        string         `json:"type" validate:"required"`
	Name        string         `json:"name,omitempty"`
	URL         string         `json:"url,omitempty"`
	Opacity     *float64       `json:"opacity,omitempty" validate:"omitempty,min=0,max=1"`
	Color       string         `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Attribution string         `json:"attribution,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// OutputSpec selects the encoding of the final image.
type OutputSpec struct {
	Format  string `json:"format,omitempty" validate:"omitempty,oneof=png jpeg"`
	Quality int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
}

// WidgetSpec configures an overlay drawn after all layers.
type WidgetSpec struct {
	Type     string         `json:"type" validate:"required"`
	Position string         `json:"position,omitempty" validate:"omitempty,oneof=top-left top-right bottom-left bottom-right"`
	Size     int            `json:"size,omitempty" validate:"omitempty,min=1,max=1024"`
	Color    string         `json:"color,omitempty" validate:"omitempty,hexcolor"`
	Config   map[string]any `json:"config,omitempty"`
}

// Width returns the requested image width in pixels.
func (s *PrintSpec) Width() int { return s.Size[0] }

// Height returns the requested image height in pixels.
func (s *PrintSpec) Height() int { return s.Size[1] }

// Alpha returns the layer opacity, defaulting to fully opaque.
func (l LayerSpec) Alpha() float64 {
	if l.Opacity == nil {
		return 1
	}
	return *l.Opacity
}

// Label returns a human readable name for log lines.
func (l LayerSpec) Label(index int) string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("%s#%d", l.Type, index)
}

// ErrSpecNil is returned when validating a nil spec.
var ErrSpecNil = errors.New("print spec is nil")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct constraints and geographic bounds. The returned
// error lists every violation in field order.
func (s *PrintSpec) Validate() error {
	if s == nil {
		return ErrSpecNil
	}

	var problems []string
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	lon, lat := s.Center[0], s.Center[1]
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		problems = append(problems, fmt.Sprintf("center: longitude %v out of range [-180, 180]", lon))
	}
	if math.IsNaN(lat) || lat < -MaxLatitude || lat > MaxLatitude {
		problems = append(problems, fmt.Sprintf("center: latitude %v out of range [-%v, %v]", lat, MaxLatitude, MaxLatitude))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %q (%s)", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %q", field, fe.Tag())
}

// Normalized returns a deep copy of s with defaults applied.
func (s *PrintSpec) Normalized() *PrintSpec {
	out := s.Clone()
	if out.Projection == "" {
		out.Projection = ProjectionWebMercator
	}
	if out.Output.Format == "" {
		out.Output.Format = FormatPNG
	}
	if out.Output.Format == FormatJPEG && out.Output.Quality == 0 {
		out.Output.Quality = 90
	}
	return out
}

// Clone returns a deep copy of s.
func (s *PrintSpec) Clone() *PrintSpec {
	if s == nil {
		return nil
	}
	out := *s
	out.Layers = make([]LayerSpec, len(s.Layers))
	for i, l := range s.Layers {
		if l.Opacity != nil {
			v := *l.Opacity
			l.Opacity = &v
		}
		l.Config = cloneMap(l.Config)
		out.Layers[i] = l
	}
	if s.Widgets != nil {
		out.Widgets = make([]WidgetSpec, len(s.Widgets))
		for i, w := range s.Widgets {
			w.Config = cloneMap(w.Config)
			out.Widgets[i] = w
		}
	}
	return &out
}

// cloneMap copies the top level of m. Nested values are shared; backends
// treat config as read-only.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
