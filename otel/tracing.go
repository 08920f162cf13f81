// Package otel provides OpenTelemetry integration for petalprint runtime events.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalprint/runtime"
)

type layerKey struct {
	job   int64
	layer int
}

// TracingHandler translates runtime events into OpenTelemetry spans: one
// root span per job with one child span per layer.
type TracingHandler struct {
	tracer trace.Tracer

	mu         sync.RWMutex
	jobSpans   map[int64]trace.Span
	jobCtxs    map[int64]context.Context // parent contexts for layer spans
	layerSpans map[layerKey]trace.Span
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from runtime events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:     tracer,
		jobSpans:   make(map[int64]trace.Span),
		jobCtxs:    make(map[int64]context.Context),
		layerSpans: make(map[layerKey]trace.Span),
	}
}

// Handle processes a runtime event and creates or ends spans accordingly.
// It implements runtime.EventHandler semantics.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventJobSubmitted:
		h.handleJobSubmitted(e)
	case runtime.EventLayerStarted:
		h.handleLayerStarted(e)
	case runtime.EventLayerFailed:
		h.handleLayerFailed(e)
	case runtime.EventLayerReady:
		h.endLayer(e, codes.Ok, "")
	case runtime.EventLayerCanceled:
		h.endLayer(e, codes.Unset, "")
	case runtime.EventJobFinished, runtime.EventJobCanceled, runtime.EventJobFailed:
		h.handleJobDone(e)
	}
}

func (h *TracingHandler) handleJobSubmitted(e runtime.Event) {
	attrs := []attribute.KeyValue{attribute.Int64("petalprint.job_id", e.JobID)}
	for _, key := range []string{"layers", "width", "height", "zoom"} {
		if v, ok := e.Payload[key].(int); ok {
			attrs = append(attrs, attribute.Int("petalprint."+key, v))
		}
	}

	ctx, span := h.tracer.Start(context.Background(), fmt.Sprintf("job:%d", e.JobID),
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.jobSpans[e.JobID] = span
	h.jobCtxs[e.JobID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) handleLayerStarted(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.jobCtxs[e.JobID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "layer:"+e.LayerType,
		trace.WithAttributes(
			attribute.Int64("petalprint.job_id", e.JobID),
			attribute.Int("petalprint.layer.index", e.Layer),
			attribute.String("petalprint.layer.type", e.LayerType),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.layerSpans[layerKey{e.JobID, e.Layer}] = span
	h.mu.Unlock()
}

// handleLayerFailed records the error on the layer span. Layer errors are
// recoverable, so the span stays open.
func (h *TracingHandler) handleLayerFailed(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.layerSpans[layerKey{e.JobID, e.Layer}]
	h.mu.RUnlock()
	if !ok {
		return
	}

	msg := e.PayloadString("error")
	if msg == "" {
		msg = "layer failed"
	}
	attrs := []attribute.KeyValue{attribute.String("petalprint.error", msg)}
	if url := e.PayloadString("url"); url != "" {
		attrs = append(attrs, attribute.String("petalprint.url", url))
	}
	span.RecordError(spanError(msg), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) endLayer(e runtime.Event, code codes.Code, desc string) {
	key := layerKey{e.JobID, e.Layer}

	h.mu.Lock()
	span, ok := h.layerSpans[key]
	delete(h.layerSpans, key)
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(attribute.String("petalprint.layer.outcome", string(e.Kind)))
	if code != codes.Unset {
		span.SetStatus(code, desc)
	}
	span.End(trace.WithTimestamp(e.Time))
}

// handleJobDone ends the layer spans still open and then the job span.
func (h *TracingHandler) handleJobDone(e runtime.Event) {
	h.mu.Lock()
	span, ok := h.jobSpans[e.JobID]
	delete(h.jobSpans, e.JobID)
	delete(h.jobCtxs, e.JobID)
	var open []trace.Span
	for key, s := range h.layerSpans {
		if key.job == e.JobID {
			open = append(open, s)
			delete(h.layerSpans, key)
		}
	}
	h.mu.Unlock()

	for _, s := range open {
		s.SetAttributes(attribute.String("petalprint.layer.outcome", "abandoned"))
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}

	status := e.PayloadString("status")
	span.SetAttributes(
		attribute.String("petalprint.status", status),
		attribute.String("petalprint.duration", e.Elapsed.String()),
	)
	if n, ok := e.Payload["errors"].(int); ok {
		span.SetAttributes(attribute.Int("petalprint.layer_errors", n))
	}

	switch e.Kind {
	case runtime.EventJobFailed:
		msg := e.PayloadString("error")
		if msg == "" {
			msg = "job failed"
		}
		span.SetStatus(codes.Error, msg)
	case runtime.EventJobFinished:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveSpanContext returns the SpanContext of the open span of one layer.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(jobID int64, layer int) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.layerSpans[layerKey{jobID, layer}]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveJobSpanContext returns the SpanContext of the open job span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveJobSpanContext(jobID int64) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.jobSpans[jobID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
