package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalprint/runtime"
)

// MetricsHandler translates runtime events into OpenTelemetry metrics.
type MetricsHandler struct {
	jobsSubmitted metric.Int64Counter
	jobsCompleted metric.Int64Counter
	jobsActive    metric.Int64UpDownCounter
	layerErrors   metric.Int64Counter
	layerDuration metric.Float64Histogram
	jobDuration   metric.Float64Histogram
	imageSize     metric.Int64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create its instruments.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	submitted, err := meter.Int64Counter("petalprint.jobs.submitted",
		metric.WithDescription("Number of accepted print jobs"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter("petalprint.jobs.completed",
		metric.WithDescription("Number of jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter("petalprint.jobs.active",
		metric.WithDescription("Number of jobs not yet terminal"),
	)
	if err != nil {
		return nil, err
	}

	layerErrs, err := meter.Int64Counter("petalprint.layer.errors",
		metric.WithDescription("Number of recoverable layer errors"),
	)
	if err != nil {
		return nil, err
	}

	layerDur, err := meter.Float64Histogram("petalprint.layer.duration",
		metric.WithDescription("Time from job submission until a layer was ready, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	jobDur, err := meter.Float64Histogram("petalprint.job.duration",
		metric.WithDescription("Duration of a print job in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	imgSize, err := meter.Int64Histogram("petalprint.image.size",
		metric.WithDescription("Size of encoded print images"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		jobsSubmitted: submitted,
		jobsCompleted: completed,
		jobsActive:    active,
		layerErrors:   layerErrs,
		layerDuration: layerDur,
		jobDuration:   jobDur,
		imageSize:     imgSize,
	}, nil
}

// Handle processes a runtime event and records the appropriate metrics.
// It implements runtime.EventHandler semantics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventJobSubmitted:
		h.jobsSubmitted.Add(ctx, 1)
		h.jobsActive.Add(ctx, 1)

	case runtime.EventLayerFailed:
		h.layerErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("layer_type", e.LayerType),
		))

	case runtime.EventLayerReady:
		h.layerDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
			attribute.String("layer_type", e.LayerType),
		))

	case runtime.EventJobFinished, runtime.EventJobCanceled, runtime.EventJobFailed:
		h.handleJobDone(ctx, e)
	}
}

func (h *MetricsHandler) handleJobDone(ctx context.Context, e runtime.Event) {
	attrs := metric.WithAttributes(attribute.String("status", e.PayloadString("status")))
	h.jobsCompleted.Add(ctx, 1, attrs)
	h.jobsActive.Add(ctx, -1)
	h.jobDuration.Record(ctx, e.Elapsed.Seconds(), attrs)

	if n, ok := e.Payload["image_bytes"].(int); ok {
		h.imageSize.Record(ctx, int64(n), metric.WithAttributes(
			attribute.String("image_type", e.PayloadString("image_type")),
		))
	}
}
