package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	petalotel "github.com/petal-labs/petalprint/otel"
	"github.com/petal-labs/petalprint/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func submitted(jobID int64, at time.Time) runtime.Event {
	return runtime.NewEvent(runtime.EventJobSubmitted, jobID).WithTime(at).
		WithPayload("layers", 2).
		WithPayload("width", 800).
		WithPayload("height", 600).
		WithPayload("zoom", 12)
}

func layerEvent(kind runtime.EventKind, jobID int64, index int, at time.Time) runtime.Event {
	return runtime.NewEvent(kind, jobID).WithLayer(index, "xyz").WithTime(at)
}

func jobDone(kind runtime.EventKind, status string, jobID int64, at time.Time) runtime.Event {
	return runtime.NewEvent(kind, jobID).WithTime(at).
		WithElapsed(time.Second).
		WithPayload("status", status).
		WithPayload("errors", 1)
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func hasAttr(span *tracetest.SpanStub, key, value string) bool {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key && attr.Value.Emit() == value {
			return true
		}
	}
	return false
}

func TestTracingHandler_JobSpanWithLayerChildren(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(submitted(4, now))
	if !h.ActiveJobSpanContext(4).IsValid() {
		t.Fatal("expected valid job span context after job.submitted")
	}
	h.Handle(layerEvent(runtime.EventLayerStarted, 4, 0, now))
	h.Handle(layerEvent(runtime.EventLayerStarted, 4, 1, now))
	h.Handle(layerEvent(runtime.EventLayerReady, 4, 0, now.Add(10*time.Millisecond)))
	h.Handle(layerEvent(runtime.EventLayerReady, 4, 1, now.Add(20*time.Millisecond)))
	h.Handle(jobDone(runtime.EventJobFinished, "finished", 4, now.Add(30*time.Millisecond)))

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	job := findSpan(spans, "job:4")
	if job == nil {
		t.Fatal("job span not found")
	}
	if job.Status.Code != otelcodes.Ok {
		t.Errorf("job span status = %v, want Ok", job.Status.Code)
	}
	if !hasAttr(job, "petalprint.job_id", "4") || !hasAttr(job, "petalprint.layers", "2") {
		t.Errorf("job span attributes = %v", job.Attributes)
	}
	if !hasAttr(job, "petalprint.status", "finished") {
		t.Error("expected petalprint.status attribute on job span")
	}

	for _, s := range spans {
		if s.Name != "layer:xyz" {
			continue
		}
		if s.Parent.SpanID() != job.SpanContext.SpanID() {
			t.Errorf("layer span parent = %s, want job span %s", s.Parent.SpanID(), job.SpanContext.SpanID())
		}
		if s.Status.Code != otelcodes.Ok {
			t.Errorf("layer span status = %v, want Ok", s.Status.Code)
		}
	}
}

func TestTracingHandler_LayerFailedRecordsError(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(submitted(1, now))
	h.Handle(layerEvent(runtime.EventLayerStarted, 1, 0, now))
	h.Handle(layerEvent(runtime.EventLayerFailed, 1, 0, now).
		WithPayload("error", "status 503").
		WithPayload("url", "https://tiles.example/1/0/0.png"))

	// Still open: a layer error is not terminal.
	if !h.ActiveSpanContext(1, 0).IsValid() {
		t.Fatal("layer span ended on a recoverable error")
	}

	h.Handle(layerEvent(runtime.EventLayerReady, 1, 0, now))
	h.Handle(jobDone(runtime.EventJobFinished, "finished", 1, now))

	layer := findSpan(exporter.GetSpans(), "layer:xyz")
	if layer == nil {
		t.Fatal("layer span not found")
	}
	if len(layer.Events) != 1 || layer.Events[0].Name != "exception" {
		t.Fatalf("layer span events = %+v, want one exception", layer.Events)
	}
}

func TestTracingHandler_JobFailedSetsErrorStatus(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(submitted(2, now))
	h.Handle(jobDone(runtime.EventJobFailed, "failed", 2, now).WithPayload("error", "encode: short write"))

	job := findSpan(exporter.GetSpans(), "job:2")
	if job == nil {
		t.Fatal("job span not found")
	}
	if job.Status.Code != otelcodes.Error || job.Status.Description != "encode: short write" {
		t.Errorf("job span status = %+v", job.Status)
	}
}

func TestTracingHandler_CancelEndsOpenLayerSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(submitted(3, now))
	h.Handle(layerEvent(runtime.EventLayerStarted, 3, 0, now))
	h.Handle(layerEvent(runtime.EventLayerStarted, 3, 1, now))
	h.Handle(layerEvent(runtime.EventLayerCanceled, 3, 0, now))
	h.Handle(jobDone(runtime.EventJobCanceled, "canceled", 3, now))

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 ended spans, got %d", len(spans))
	}
	if h.ActiveSpanContext(3, 1).IsValid() {
		t.Error("layer span still active after job.canceled")
	}
	if h.ActiveJobSpanContext(3).IsValid() {
		t.Error("job span still active after job.canceled")
	}
	job := findSpan(spans, "job:3")
	if job.Status.Code != otelcodes.Unset {
		t.Errorf("canceled job span status = %v, want Unset", job.Status.Code)
	}
}

func TestTracingHandler_JobsAreIndependent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(submitted(1, now))
	h.Handle(submitted(2, now))
	h.Handle(layerEvent(runtime.EventLayerStarted, 2, 0, now))
	h.Handle(jobDone(runtime.EventJobFinished, "finished", 1, now))

	if !h.ActiveSpanContext(2, 0).IsValid() {
		t.Error("ending job 1 closed a layer span of job 2")
	}
	if len(exporter.GetSpans()) != 1 {
		t.Errorf("expected only job 1's span to end, got %d", len(exporter.GetSpans()))
	}
}

func TestTracingHandler_UnknownJobIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := petalotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(layerEvent(runtime.EventLayerReady, 9, 0, time.Now()))
	h.Handle(jobDone(runtime.EventJobFinished, "finished", 9, time.Now()))

	if len(exporter.GetSpans()) != 0 {
		t.Errorf("expected no spans, got %d", len(exporter.GetSpans()))
	}
}
