// Package layer defines the layer task contract of petalprint.
//
// A Backend renders one layer type. The Task wraps a backend and enforces the
// stream contract the aggregator relies on: a first Loading(0), monotonic
// intermediate progress, exactly one terminal update (Ready or Canceled),
// prompt cancellation from the cancel bus, and recovery from backend panics.
//
// Two progress strategies are provided for backends: QueueProgress for work
// split into many units (tiles) and StageProgress for a short fixed ladder of
// lifecycle stages.
package layer

import (
	"context"

	"github.com/petal-labs/petalprint/core"
)

// Emit receives updates from a backend. It is safe for concurrent use and
// never blocks after the task has ended.
type Emit func(core.LayerUpdate)

// Request is everything a backend gets to render one layer.
type Request struct {
	JobID int64
	Index int
	Spec  core.LayerSpec
	Frame Frame
}

// Backend renders one layer type.
//
// Render reports progress and errors through emit and signals success by
// emitting core.Ready. Returning without Ready is resolved by the task's
// ErrorPolicy. Render must stop promptly once ctx is canceled.
type Backend interface {
	Type() string
	Render(ctx context.Context, req Request, emit Emit) error
}

// Describer is implemented by backends that publish metadata.
type Describer interface {
	Describe() TypeDef
}

// SpecValidator is implemented by backends that can reject a layer spec
// before a job starts.
type SpecValidator interface {
	ValidateLayer(spec core.LayerSpec) error
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc struct {
	Name string
	Fn   func(ctx context.Context, req Request, emit Emit) error
}

// Type returns the registered name.
func (b BackendFunc) Type() string { return b.Name }

// Render calls the wrapped function.
func (b BackendFunc) Render(ctx context.Context, req Request, emit Emit) error {
	return b.Fn(ctx, req, emit)
}
