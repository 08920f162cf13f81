package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalprint/bus"
	"github.com/petal-labs/petalprint/compose"
	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// job is the single writer of one job's state. Its loop receives every
// task update in per-task order and applies it to the aggregator.
type job struct {
	id        int64
	spec      *core.PrintSpec
	submitted time.Time
	pending   core.Job

	agg        *Aggregator
	tasks      []*layer.Task
	updates    chan layer.Update
	compositor compose.Compositor

	ctx       context.Context
	cancel    context.CancelFunc
	cancelSub bus.CancelSubscription

	publish func(core.Job)
	emit    EventEmitter
	now     func() time.Time
	logger  *slog.Logger

	done chan struct{}
}

// run drives the job to a terminal status.
func (j *job) run() {
	defer close(j.done)
	defer j.cancelSub.Close()
	defer j.cancel()

	for _, t := range j.tasks {
		go t.Run(j.ctx)
	}

	if len(j.tasks) == 0 {
		status, _ := j.agg.Evaluate(j.now())
		j.publish(status)
		j.finish(status)
		return
	}

	j.loop()
}

// loop applies task updates until the job is terminal.
func (j *job) loop() {
	for {
		// A delivered cancellation wins over updates already queued.
		if j.cancelDelivered() {
			j.abort()
			return
		}

		select {
		case <-j.cancelSub.Done():
			j.abort()
			return
		case <-j.ctx.Done():
			j.abort()
			return
		case u := <-j.updates:
			// The cancellation may have landed while this update was
			// being selected; it still wins.
			if j.cancelDelivered() {
				j.abort()
				return
			}
			status, changed := j.agg.Update(u.Index, u.LayerUpdate, j.now())
			j.layerEvent(u)
			if changed {
				j.publish(status)
			}
			if status.Terminal() {
				j.finish(status)
				return
			}
		}
	}
}

func (j *job) cancelDelivered() bool {
	select {
	case <-j.cancelSub.Done():
		return true
	default:
		return false
	}
}

func (j *job) abort() {
	status := j.agg.Abort(j.now())
	j.publish(status)
	j.finish(status)
}

// composeImage runs on the job loop, after the all-ready decision.
func (j *job) composeImage(surfaces []*core.Surface) (img []byte, imgType string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compositor panicked: %v", r)
		}
	}()

	canvas, err := j.compositor.Compose(j.ctx, surfaces, j.spec)
	if err != nil {
		return nil, "", fmt.Errorf("compose: %w", err)
	}
	img, imgType, err = j.compositor.Encode(canvas, j.spec.Output)
	if err != nil {
		return nil, "", fmt.Errorf("encode: %w", err)
	}
	return img, imgType, nil
}

func (j *job) layerType(index int) string {
	if index >= 0 && index < len(j.spec.Layers) {
		return j.spec.Layers[index].Type
	}
	return ""
}

func (j *job) event(kind EventKind) Event {
	now := j.now()
	return NewEvent(kind, j.id).WithTime(now).WithElapsed(now.Sub(j.submitted))
}

func (j *job) layerEvent(u layer.Update) {
	var e Event
	switch u.Kind {
	case core.UpdateLoading:
		e = j.event(EventLayerProgress).WithPayload("progress", u.Progress)
	case core.UpdateFailed:
		msg := "layer failed"
		if u.Err != nil {
			msg = u.Err.Error()
		}
		e = j.event(EventLayerFailed).WithPayload("error", msg)
		if u.URL != "" {
			e = e.WithPayload("url", u.URL)
		}
	case core.UpdateReady:
		e = j.event(EventLayerReady).WithPayload("empty", u.Surface.Empty())
	case core.UpdateCanceled:
		e = j.event(EventLayerCanceled)
	default:
		return
	}
	j.emit(e.WithLayer(u.Index, j.layerType(u.Index)))
}

func (j *job) finish(status core.Job) {
	var e Event
	switch status.Status {
	case core.JobStatusFinished:
		e = j.event(EventJobFinished).
			WithPayload("image_bytes", len(status.Image)).
			WithPayload("image_type", status.ImageType)
	case core.JobStatusFailed:
		e = j.event(EventJobFailed).WithPayload("error", status.Failure)
	default:
		e = j.event(EventJobCanceled)
	}
	e = e.WithPayload("status", string(status.Status)).
		WithPayload("errors", len(status.Errors))
	j.emit(e)

	attrs := []any{
		"status", status.Status,
		"layers", len(j.spec.Layers),
		"layer_errors", len(status.Errors),
		"duration", e.Elapsed,
	}
	switch status.Status {
	case core.JobStatusFailed:
		j.logger.Error("job failed", append(attrs, "error", status.Failure)...)
	default:
		j.logger.Info("job done", attrs...)
	}
}
