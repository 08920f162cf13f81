package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/petal-labs/petalprint/bus"
	"github.com/petal-labs/petalprint/core"
)

// ErrorPolicy decides how a layer resolves when its backend returns
// without producing a surface.
type ErrorPolicy string

const (
	// ErrorPolicyContinue records the error and freezes the layer at its last
	// progress. The layer can still finish if its backend later emits Ready;
	// otherwise the job waits for cancellation.
	ErrorPolicyContinue ErrorPolicy = "continue"

	// ErrorPolicySkipLayer records the error and resolves the layer to an
	// empty surface so the job can finish without it.
	ErrorPolicySkipLayer ErrorPolicy = "skip_layer"

	// ErrorPolicyCancelJob turns the first recorded error into a layer
	// cancellation, which cancels the whole job.
	ErrorPolicyCancelJob ErrorPolicy = "cancel_job"
)

// ParseErrorPolicy parses a policy name. The empty string selects
// ErrorPolicyContinue.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch p := ErrorPolicy(s); p {
	case "":
		return ErrorPolicyContinue, nil
	case ErrorPolicyContinue, ErrorPolicySkipLayer, ErrorPolicyCancelJob:
		return p, nil
	default:
		return "", fmt.Errorf("unknown error policy %q (want continue, skip_layer or cancel_job)", s)
	}
}

// ErrNoSurface is recorded when a backend returns nil without emitting Ready.
var ErrNoSurface = errors.New("layer backend returned without a surface")

// Update is a layer update tagged with the index of its layer.
type Update struct {
	Index int
	core.LayerUpdate
}

// TaskConfig configures a Task.
type TaskConfig struct {
	JobID   int64
	Index   int
	Spec    core.LayerSpec
	Frame   Frame
	Backend Backend
	Cancel  bus.CancelBus
	Policy  ErrorPolicy
	Logger  *slog.Logger
}

// Task runs one backend and enforces the layer stream contract on its
// output. All updates go to the out channel given to NewTask, tagged with
// the layer index; nothing is sent after the terminal update.
type Task struct {
	cfg    TaskConfig
	out    chan<- Update
	sub    bus.CancelSubscription
	logger *slog.Logger

	events chan core.LayerUpdate
	done   chan struct{}

	firstQueued bool
	last        float64
	stopRender  context.CancelFunc
}

// NewTask creates a task and subscribes it to the cancel bus. The initial
// Loading(0) is queued on out immediately when out has room; otherwise it is
// the first thing Run sends.
func NewTask(cfg TaskConfig, out chan<- Update) *Task {
	if cfg.Policy == "" {
		cfg.Policy = ErrorPolicyContinue
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Task{
		cfg: cfg,
		out: out,
		sub: cfg.Cancel.Subscribe(cfg.JobID),
		logger: logger.With(
			"job_id", cfg.JobID,
			"layer_index", cfg.Index,
			"layer_type", cfg.Spec.Type,
		),
		events: make(chan core.LayerUpdate),
		done:   make(chan struct{}),
	}

	select {
	case out <- Update{Index: cfg.Index, LayerUpdate: core.Loading(0)}:
		t.firstQueued = true
	default:
	}
	return t
}

// Done is closed when Run returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Run drives the backend until the layer reaches a terminal update, the
// job's cancellation is observed, or ctx ends. It must be called once.
func (t *Task) Run(ctx context.Context) {
	defer close(t.done)
	defer t.sub.Close()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.stopRender = cancel

	if !t.firstQueued && !t.send(ctx, core.Loading(0)) {
		return
	}

	result := make(chan error, 1)
	go t.render(rctx, result)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.sub.Done():
			t.cancelled(ctx)
			return
		case u := <-t.events:
			if t.handle(ctx, u) {
				return
			}
		case err := <-result:
			result = nil
			if t.resolve(ctx, err) {
				return
			}
		}
	}
}

func (t *Task) render(ctx context.Context, result chan<- error) {
	defer func() {
		if r := recover(); r != nil {
			result <- fmt.Errorf("layer backend panicked: %v", r)
		}
	}()
	req := Request{
		JobID: t.cfg.JobID,
		Index: t.cfg.Index,
		Spec:  t.cfg.Spec,
		Frame: t.cfg.Frame,
	}
	result <- t.cfg.Backend.Render(ctx, req, t.emit)
}

// emit is the Emit handed to the backend.
func (t *Task) emit(u core.LayerUpdate) {
	select {
	case t.events <- u:
	case <-t.done:
	}
}

// handle applies the stream contract to one backend update and reports
// whether the task is finished.
func (t *Task) handle(ctx context.Context, u core.LayerUpdate) bool {
	switch u.Kind {
	case core.UpdateLoading:
		p := u.Progress
		if math.IsNaN(p) {
			return false
		}
		if p >= core.ProgressDone {
			p = core.ProgressCeiling
		}
		if p <= t.last {
			return false
		}
		t.last = p
		return !t.send(ctx, core.Loading(p))

	case core.UpdateReady:
		s := u.Surface
		if s == nil {
			s = core.NewSurface(0, 0)
		}
		t.send(ctx, core.Ready(s))
		return true

	case core.UpdateCanceled:
		t.stopRender()
		t.sendFinal(ctx, core.Canceled())
		return true

	case core.UpdateFailed:
		err := u.Err
		if err == nil {
			err = errors.New("layer failed")
		}
		t.logger.Warn("layer error", "error", err, "url", u.URL)
		failed := core.Failed(err, u.URL)
		failed.Progress = t.last
		if !t.send(ctx, failed) {
			return true
		}
		if t.cfg.Policy == ErrorPolicyCancelJob {
			t.stopRender()
			t.sendFinal(ctx, core.Canceled())
			return true
		}
		return false

	default:
		return false
	}
}

// resolve handles the backend returning without Ready.
func (t *Task) resolve(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if err == nil {
		err = ErrNoSurface
	}
	var url string
	var herr *HTTPError
	if errors.As(err, &herr) {
		url = herr.URL
	}
	if t.handle(ctx, core.Failed(err, url)) {
		return true
	}

	switch t.cfg.Policy {
	case ErrorPolicySkipLayer:
		t.logger.Info("skipping failed layer")
		t.send(ctx, core.Ready(core.NewSurface(0, 0)))
		return true
	default:
		t.logger.Debug("layer frozen after error", "progress", t.last)
		return false
	}
}

// cancelled handles a cancellation observed on the bus.
func (t *Task) cancelled(ctx context.Context) {
	t.logger.Debug("layer canceled")
	t.stopRender()
	t.sendFinal(ctx, core.Canceled())
}

// send delivers a non-final update. It reports false when the task must
// stop instead: the job context ended, or a cancellation arrived first, in
// which case Canceled is delivered in its place.
func (t *Task) send(ctx context.Context, u core.LayerUpdate) bool {
	select {
	case t.out <- Update{Index: t.cfg.Index, LayerUpdate: u}:
		return true
	case <-ctx.Done():
		return false
	case <-t.sub.Done():
		t.cancelled(ctx)
		return false
	}
}

func (t *Task) sendFinal(ctx context.Context, u core.LayerUpdate) {
	select {
	case t.out <- Update{Index: t.cfg.Index, LayerUpdate: u}:
	case <-ctx.Done():
	}
}
