package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/petal-labs/petalprint/bus"
	"github.com/petal-labs/petalprint/compose"
	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/layer"
)

// Dispatcher errors
var (
	ErrInvalidSpec = errors.New("invalid print spec")
	ErrJobNotFound = errors.New("job not found")
	ErrClosed      = errors.New("dispatcher closed")
)

// Defaults for Options.
const (
	DefaultRetention       = 10 * time.Minute
	DefaultJanitorInterval = time.Minute
	DefaultShutdownTimeout = 5 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	// Registry resolves layer types. Required.
	Registry *layer.Registry

	// Compositor draws finished jobs (default: compose.New).
	Compositor compose.Compositor

	// CancelBus carries cancellations to layer tasks. When nil the
	// dispatcher creates and owns one.
	CancelBus bus.CancelBus

	// ErrorPolicy resolves layers whose backend returned without a surface
	// (default: layer.ErrorPolicyContinue).
	ErrorPolicy layer.ErrorPolicy

	// Retention is how long terminal jobs stay available to late
	// subscribers (default: 10m). Negative keeps them forever.
	Retention time.Duration

	// JanitorInterval is how often expired jobs are evicted (default: 1m).
	JanitorInterval time.Duration

	// ShutdownTimeout bounds how long Close waits for canceled jobs to
	// settle before aborting them (default: 5s).
	ShutdownTimeout time.Duration

	// SubscriberBufferSize is the status buffer per subscriber (default: 16).
	SubscriberBufferSize int

	// EventHandler receives runtime events.
	EventHandler EventHandler

	// EventEmitterDecorator wraps the internal event emitter.
	// If nil, events are emitted without decoration.
	EventEmitterDecorator EventEmitterDecorator

	// Logger receives structured logs (default: slog.Default()).
	Logger *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Dispatcher accepts print jobs, runs them, and broadcasts their statuses.
// Jobs live in memory only.
type Dispatcher struct {
	opts    Options
	logger  *slog.Logger
	cancel  bus.CancelBus
	ownsBus bool
	hub     *bus.StatusHub
	ids     idGen

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[int64]*job
	closed bool
	wg     sync.WaitGroup

	janitorStop chan struct{}
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// NewDispatcher creates a dispatcher and starts its retention janitor.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("runtime: Options.Registry is required")
	}
	if opts.Compositor == nil {
		opts.Compositor = compose.New(compose.Config{Logger: opts.Logger})
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = layer.ErrorPolicyContinue
	}
	if _, err := layer.ParseErrorPolicy(string(opts.ErrorPolicy)); err != nil {
		return nil, err
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = DefaultJanitorInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		opts:   opts,
		logger: logger,
		cancel: opts.CancelBus,
		hub: bus.NewStatusHub(bus.StatusHubConfig{
			SubscriberBufferSize: opts.SubscriberBufferSize,
			Now:                  opts.Now,
		}),
		jobs:        make(map[int64]*job),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	if d.cancel == nil {
		d.cancel = bus.NewMemCancelBus()
		d.ownsBus = true
	}
	d.baseCtx, d.baseCancel = context.WithCancel(context.Background())

	go d.janitor()
	return d, nil
}

// Registry returns the layer registry.
func (d *Dispatcher) Registry() *layer.Registry {
	return d.opts.Registry
}

// Validate checks a spec the way Submit does, without running it.
func (d *Dispatcher) Validate(spec *core.PrintSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if err := d.opts.Registry.ValidateLayers(spec.Layers); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	if v, ok := d.opts.Compositor.(compose.SpecValidator); ok {
		if err := v.ValidateSpec(spec); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
		}
	}
	return nil
}

// Submit validates spec, starts a job for it and returns the job id without
// waiting for any layer. Invalid specs are rejected with an error wrapping
// ErrInvalidSpec and never consume an id.
func (d *Dispatcher) Submit(spec *core.PrintSpec) (int64, error) {
	if err := d.Validate(spec); err != nil {
		return 0, err
	}
	spec = spec.Normalized()
	frame := layer.NewFrame(spec)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}

	id := d.ids.Next()
	now := d.opts.Now()
	ctx, cancel := context.WithCancel(d.baseCtx)
	logger := d.logger.With("job_id", id)

	j := &job{
		id:         id,
		spec:       spec,
		submitted:  now,
		updates:    make(chan layer.Update, len(spec.Layers)+16),
		compositor: d.opts.Compositor,
		ctx:        ctx,
		cancel:     cancel,
		publish:    d.hub.Publish,
		emit:       d.emitter(),
		now:        d.opts.Now,
		logger:     logger,
		done:       make(chan struct{}),
	}
	j.agg = NewAggregator(id, spec, j.composeImage, now)
	j.pending = j.agg.Job()

	// The job and its tasks subscribe to the cancel bus here, before
	// Submit returns.
	j.cancelSub = d.cancel.Subscribe(id)
	j.tasks = make([]*layer.Task, len(spec.Layers))
	for i, ls := range spec.Layers {
		backend, _ := d.opts.Registry.Get(ls.Type)
		j.tasks[i] = layer.NewTask(layer.TaskConfig{
			JobID:   id,
			Index:   i,
			Spec:    ls,
			Frame:   frame,
			Backend: backend,
			Cancel:  d.cancel,
			Policy:  d.opts.ErrorPolicy,
			Logger:  logger,
		}, j.updates)
	}

	d.hub.Open(id)
	d.jobs[id] = j
	d.wg.Add(1)
	d.mu.Unlock()

	j.emit(j.event(EventJobSubmitted).
		WithPayload("layers", len(spec.Layers)).
		WithPayload("width", spec.Width()).
		WithPayload("height", spec.Height()).
		WithPayload("zoom", spec.Zoom))
	for i, ls := range spec.Layers {
		j.emit(j.event(EventLayerStarted).WithLayer(i, ls.Type))
	}
	logger.Info("job submitted", "layers", len(spec.Layers), "width", spec.Width(), "height", spec.Height())

	go func() {
		defer d.wg.Done()
		j.run()
	}()
	return id, nil
}

// emitter builds the per-job event emitter.
func (d *Dispatcher) emitter() EventEmitter {
	seq := newSeqGen()
	emit := func(e Event) {
		e.Seq = seq.Next()
		if d.opts.EventHandler != nil {
			d.opts.EventHandler(e)
		}
	}
	if d.opts.EventEmitterDecorator != nil {
		return d.opts.EventEmitterDecorator(emit)
	}
	return emit
}

// Cancel requests cancellation of a job. It is a no-op for unknown and
// terminal jobs and never fails.
func (d *Dispatcher) Cancel(jobID int64) {
	d.cancel.Publish(jobID)
}

// StatusStream returns the statuses of a job. The current status, if any,
// arrives first; the channel closes right after the terminal status, or
// when ctx ends. A slow reader may miss intermediate statuses but never
// the terminal one.
func (d *Dispatcher) StatusStream(ctx context.Context, jobID int64) (<-chan core.Job, error) {
	sub, ok := d.hub.Subscribe(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	out := make(chan core.Job)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case status, ok := <-sub.Statuses():
				if !ok {
					return
				}
				select {
				case out <- status:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Wait blocks until the job is terminal and returns its final status.
func (d *Dispatcher) Wait(ctx context.Context, jobID int64) (core.Job, error) {
	stream, err := d.StatusStream(ctx, jobID)
	if err != nil {
		return core.Job{}, err
	}
	var last core.Job
	for status := range stream {
		last = status
	}
	if !last.Terminal() {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, ErrClosed
	}
	return last, nil
}

// Status returns the latest status of a retained job.
func (d *Dispatcher) Status(jobID int64) (core.Job, bool) {
	if status, ok := d.hub.Last(jobID); ok {
		return status, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[jobID]; ok {
		return j.pending.Clone(), true
	}
	return core.Job{}, false
}

// Jobs returns the latest status of every retained job ordered by id.
func (d *Dispatcher) Jobs() []core.Job {
	d.mu.Lock()
	ids := make([]int64, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	out := make([]core.Job, 0, len(ids))
	for _, id := range ids {
		if status, ok := d.Status(id); ok {
			out = append(out, status)
		}
	}
	return out
}

// Close cancels every active job, waits for the jobs to settle and stops
// the janitor. Statuses of finished jobs stay readable until Close returns.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		active := make([]*job, 0, len(d.jobs))
		for _, j := range d.jobs {
			active = append(active, j)
		}
		d.mu.Unlock()

		for _, j := range active {
			d.cancel.Publish(j.id)
		}

		settled := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(settled)
		}()
		select {
		case <-settled:
		case <-time.After(d.opts.ShutdownTimeout):
			d.logger.Warn("jobs did not settle after cancel, aborting")
			d.baseCancel()
			<-settled
		}
		d.baseCancel()

		close(d.janitorStop)
		<-d.janitorDone
		d.hub.Close()
		if d.ownsBus {
			d.cancel.Close()
		}
	})
	return nil
}

func (d *Dispatcher) janitor() {
	defer close(d.janitorDone)
	if d.opts.Retention < 0 {
		<-d.janitorStop
		return
	}

	ticker := time.NewTicker(d.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.evict()
		case <-d.janitorStop:
			return
		}
	}
}

// evict forgets terminal jobs older than the retention window.
func (d *Dispatcher) evict() {
	cutoff := d.opts.Now().Add(-d.opts.Retention)
	evicted := d.hub.EvictTerminal(cutoff)
	if len(evicted) == 0 {
		return
	}
	d.mu.Lock()
	for _, id := range evicted {
		delete(d.jobs, id)
	}
	d.mu.Unlock()
	d.logger.Debug("evicted expired jobs", "count", len(evicted))
}
