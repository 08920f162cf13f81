// Package runtime is the print job engine: the Dispatcher fans a job out
// into one layer task per layer, a per-job loop feeds every task update
// through the Aggregator, and the resulting statuses are broadcast to
// subscribers. Runtime events describe the same lifecycle for telemetry
// and the journal.
package runtime

import (
	"time"
)

// EventKind identifies the type of event emitted by the runtime.
type EventKind string

const (
	// EventJobSubmitted is emitted when Submit accepts a job.
	EventJobSubmitted EventKind = "job.submitted"

	// EventLayerStarted is emitted for every layer of a submitted job.
	EventLayerStarted EventKind = "layer.started"

	// EventLayerProgress is emitted when a layer reports higher progress.
	EventLayerProgress EventKind = "layer.progress"

	// EventLayerFailed is emitted when a layer records a recoverable error.
	EventLayerFailed EventKind = "layer.failed"

	// EventLayerReady is emitted when a layer produced its surface.
	EventLayerReady EventKind = "layer.ready"

	// EventLayerCanceled is emitted when a layer reached its cancel terminal.
	EventLayerCanceled EventKind = "layer.canceled"

	// EventJobFinished is emitted after the image has been composed.
	EventJobFinished EventKind = "job.finished"

	// EventJobCanceled is emitted when a job turns canceled.
	EventJobCanceled EventKind = "job.canceled"

	// EventJobFailed is emitted when composition or encoding failed.
	EventJobFailed EventKind = "job.failed"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Terminal reports whether k ends a job.
func (k EventKind) Terminal() bool {
	return k == EventJobFinished || k == EventJobCanceled || k == EventJobFailed
}

// NoLayer is the Layer value of job-level events.
const NoLayer = -1

// Event is a structured record of what happened to a job. Events are small;
// images and surfaces never travel in them.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind

	// JobID is the job that produced this event.
	JobID int64

	// Layer is the layer index, or NoLayer for job-level events.
	Layer int

	// LayerType is the layer's registered type (empty for job-level events).
	LayerType string

	// Time is when the event occurred.
	Time time.Time

	// Elapsed is the duration since the job was submitted.
	Elapsed time.Duration

	// Payload contains event-specific data.
	Payload map[string]any

	// Seq is a monotonic sequence number per job (1-indexed).
	Seq uint64

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string
}

// NewEvent creates a new job-level event with the current timestamp.
func NewEvent(kind EventKind, jobID int64) Event {
	return Event{
		Kind:    kind,
		JobID:   jobID,
		Layer:   NoLayer,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithLayer sets the layer information on the event.
func (e Event) WithLayer(index int, layerType string) Event {
	e.Layer = index
	e.LayerType = layerType
	return e
}

// WithTime sets the event timestamp.
func (e Event) WithTime(t time.Time) Event {
	e.Time = t
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// PayloadString returns Payload[key] as a string, or "".
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior.
// Typical uses include enriching emitted events (for example with trace metadata).
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
// Handlers run on the job loop and must not block.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
