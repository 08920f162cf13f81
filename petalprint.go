// Package petalprint renders declarative map-print requests into raster
// images. A PrintSpec is fanned out into one concurrent task per layer;
// their progress is aggregated into a single job status stream and the
// finished layers are composed in order once all of them are ready.
//
// This file re-exports the types most callers need from the core, layer
// and runtime subpackages, and wires the built-in layer backends:
//
//	d, err := petalprint.NewDispatcher(petalprint.Options{})
//	job, err := petalprint.Print(ctx, d, spec)
//
// For finer control import the subpackages directly.
package petalprint

import (
	"context"
	"time"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
	"github.com/petal-labs/petalprint/layer/geojson"
	"github.com/petal-labs/petalprint/layer/solid"
	"github.com/petal-labs/petalprint/layer/wms"
	"github.com/petal-labs/petalprint/layer/xyz"
	"github.com/petal-labs/petalprint/runtime"
)

type (
	// PrintSpec is a declarative map-print request.
	PrintSpec = core.PrintSpec

	// LayerSpec configures one layer of a PrintSpec.
	LayerSpec = core.LayerSpec

	// OutputSpec selects the encoding of the final image.
	OutputSpec = core.OutputSpec

	// WidgetSpec configures an overlay drawn after all layers.
	WidgetSpec = core.WidgetSpec

	// Job is the status of a print job.
	Job = core.Job

	// JobStatus is the lifecycle state of a job.
	JobStatus = core.JobStatus

	// LayerError is a layer failure recorded on a job.
	LayerError = core.LayerError

	// Dispatcher runs print jobs.
	Dispatcher = runtime.Dispatcher

	// Options configures a Dispatcher.
	Options = runtime.Options

	// Event is a runtime event.
	Event = runtime.Event

	// EventHandler receives runtime events.
	EventHandler = runtime.EventHandler
)

// Job statuses.
const (
	JobStatusPending  = core.JobStatusPending
	JobStatusOngoing  = core.JobStatusOngoing
	JobStatusFinished = core.JobStatusFinished
	JobStatusCanceled = core.JobStatusCanceled
	JobStatusFailed   = core.JobStatusFailed
)

// Dispatcher errors.
var (
	ErrInvalidSpec = runtime.ErrInvalidSpec
	ErrJobNotFound = runtime.ErrJobNotFound
	ErrClosed      = runtime.ErrClosed
)

// RegistryConfig configures the built-in layer backends.
type RegistryConfig struct {
	// Fetch configures the HTTP fetcher shared by all backends.
	Fetch layer.FetchConfig

	// TileConcurrency bounds parallel tile fetches per xyz layer
	// (default: xyz.DefaultConcurrency).
	TileConcurrency int

	// Cadence is the xyz progress report interval (default: layer.DefaultCadence).
	Cadence time.Duration
}

// NewRegistry returns a registry with the xyz, wms, geojson and solid
// backends using default settings.
func NewRegistry() *layer.Registry {
	return NewRegistryWithConfig(RegistryConfig{})
}

// NewRegistryWithConfig returns a registry with the built-in backends
// sharing one fetcher.
func NewRegistryWithConfig(cfg RegistryConfig) *layer.Registry {
	fetcher := layer.NewFetcher(cfg.Fetch)
	reg := layer.NewRegistry()
	reg.Register(xyz.New(xyz.Config{
		Fetcher:     fetcher,
		Concurrency: cfg.TileConcurrency,
		Cadence:     cfg.Cadence,
	}))
	reg.Register(wms.New(fetcher))
	reg.Register(geojson.New(fetcher))
	reg.Register(solid.New())
	return reg
}

// NewDispatcher creates a dispatcher. A nil Options.Registry is replaced
// by NewRegistry.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	return runtime.NewDispatcher(opts)
}

// Print submits spec and waits for its terminal status. If ctx ends first
// the job is canceled and ctx's error returned.
func Print(ctx context.Context, d *Dispatcher, spec *PrintSpec) (Job, error) {
	id, err := d.Submit(spec)
	if err != nil {
		return Job{}, err
	}
	job, err := d.Wait(ctx, id)
	if err != nil {
		d.Cancel(id)
		return job, err
	}
	return job, nil
}
