package otel

import (
	"github.com/petal-labs/petalprint/runtime"
)

// EnrichEmitter wraps an EventEmitter with OpenTelemetry trace context.
// Layer events take the layer span when one is open and fall back to the
// job span. Events with no active span pass through unchanged.
//
// The decorator runs before the event reaches the handlers, so the
// TracingHandler has not seen the event yet: job.submitted carries no
// trace, and terminal events still see the spans they are about to end.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if e.Layer != runtime.NoLayer {
			sc := tracing.ActiveSpanContext(e.JobID, e.Layer)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" {
			sc := tracing.ActiveJobSpanContext(e.JobID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		emit(e)
	}
}
