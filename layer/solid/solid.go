// Package solid renders a uniform fill, typically used as a background.
package solid

import (
	"context"
	"image/color"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Type is the registered layer type name.
const Type = "solid"

// DefaultColor is used when the layer has no color.
var DefaultColor = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Backend fills the frame with LayerSpec.Color.
type Backend struct{}

// New creates the backend.
func New() *Backend { return &Backend{} }

// Type implements layer.Backend.
func (b *Backend) Type() string { return Type }

// Describe implements layer.Describer.
func (b *Backend) Describe() layer.TypeDef {
	return layer.TypeDef{
		Category:    "fill",
		DisplayName: "Solid color",
		Description: "Uniform fill in the layer color",
		Progress:    layer.ProgressStage,
	}
}

// Render implements layer.Backend.
func (b *Backend) Render(ctx context.Context, req layer.Request, emit layer.Emit) error {
	stages := layer.NewStageProgress(emit)
	c := core.ColorOr(req.Spec.Color, DefaultColor)
	stages.Prepared()

	if err := ctx.Err(); err != nil {
		return err
	}
	surface := core.NewSurface(req.Frame.Width, req.Frame.Height)
	layer.Fill(surface, c, req.Spec.Alpha())
	stages.Ready(surface)
	return nil
}
