package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	petalotel "github.com/petal-labs/petalprint/otel"
	"github.com/petal-labs/petalprint/runtime"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// collectMetrics reads all metrics from the reader.
func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

// findMetric searches for a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func newHandler(t *testing.T) (*petalotel.MetricsHandler, *metric.ManualReader) {
	t.Helper()
	reader, mp := newTestMeter()
	h, err := petalotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	return h, reader
}

func sumPoints(t *testing.T, rm *metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64] data, got %T", name, m.Data)
	}
	return sum.DataPoints
}

func TestMetricsHandler_JobLifecycle(t *testing.T) {
	h, reader := newHandler(t)
	now := time.Now()

	h.Handle(submitted(1, now))
	h.Handle(submitted(2, now))
	h.Handle(jobDone(runtime.EventJobFinished, "finished", 1, now).
		WithPayload("image_bytes", 2048).
		WithPayload("image_type", "image/png"))

	rm := collectMetrics(t, reader)

	if pts := sumPoints(t, rm, "petalprint.jobs.submitted"); len(pts) != 1 || pts[0].Value != 2 {
		t.Errorf("jobs.submitted = %+v, want 2", pts)
	}
	if pts := sumPoints(t, rm, "petalprint.jobs.active"); len(pts) != 1 || pts[0].Value != 1 {
		t.Errorf("jobs.active = %+v, want 1", pts)
	}

	completed := sumPoints(t, rm, "petalprint.jobs.completed")
	if len(completed) != 1 || completed[0].Value != 1 {
		t.Fatalf("jobs.completed = %+v, want 1", completed)
	}
	statusFound := false
	for _, attr := range completed[0].Attributes.ToSlice() {
		if string(attr.Key) == "status" && attr.Value.AsString() == "finished" {
			statusFound = true
		}
	}
	if !statusFound {
		t.Error("expected status attribute on jobs.completed")
	}

	dur := findMetric(rm, "petalprint.job.duration")
	if dur == nil {
		t.Fatal("petalprint.job.duration metric not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64] data, got %T", dur.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 1.0 {
		t.Errorf("job.duration = %+v, want one 1s sample", hist.DataPoints)
	}

	size := findMetric(rm, "petalprint.image.size")
	if size == nil {
		t.Fatal("petalprint.image.size metric not found")
	}
	sizeHist := size.Data.(metricdata.Histogram[int64])
	if len(sizeHist.DataPoints) != 1 || sizeHist.DataPoints[0].Sum != 2048 {
		t.Errorf("image.size = %+v, want one 2048 sample", sizeHist.DataPoints)
	}
}

func TestMetricsHandler_LayerErrorsByType(t *testing.T) {
	h, reader := newHandler(t)
	now := time.Now()

	h.Handle(layerEvent(runtime.EventLayerFailed, 1, 0, now).WithPayload("error", "timeout"))
	h.Handle(layerEvent(runtime.EventLayerFailed, 1, 0, now).WithPayload("error", "timeout again"))
	h.Handle(runtime.NewEvent(runtime.EventLayerFailed, 1).WithLayer(1, "wms"))

	pts := sumPoints(t, collectMetrics(t, reader), "petalprint.layer.errors")
	if len(pts) != 2 {
		t.Fatalf("expected 2 data points (one per layer type), got %d", len(pts))
	}
	for _, dp := range pts {
		typ, _ := dp.Attributes.Value("layer_type")
		switch typ.AsString() {
		case "xyz":
			if dp.Value != 2 {
				t.Errorf("xyz errors = %d, want 2", dp.Value)
			}
		case "wms":
			if dp.Value != 1 {
				t.Errorf("wms errors = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected layer_type %q", typ.AsString())
		}
	}
}

func TestMetricsHandler_LayerReadyRecordsDuration(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(layerEvent(runtime.EventLayerReady, 1, 0, time.Now()).WithElapsed(250 * time.Millisecond))

	m := findMetric(collectMetrics(t, reader), "petalprint.layer.duration")
	if m == nil {
		t.Fatal("petalprint.layer.duration metric not found")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("layer.duration = %+v, want one sample", hist.DataPoints)
	}
}

func TestMetricsHandler_IgnoresProgress(t *testing.T) {
	h, reader := newHandler(t)

	h.Handle(layerEvent(runtime.EventLayerProgress, 1, 0, time.Now()).WithPayload("progress", 0.5))

	rm := collectMetrics(t, reader)
	if m := findMetric(rm, "petalprint.layer.errors"); m != nil {
		if pts := m.Data.(metricdata.Sum[int64]).DataPoints; len(pts) != 0 {
			t.Errorf("progress event recorded layer errors: %+v", pts)
		}
	}
}
