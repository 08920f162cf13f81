package runtime

import (
	"math"
	"time"

	"github.com/petal-labs/petalprint/core"
)

// ComposeFunc draws and encodes the ordered non-empty layer surfaces.
type ComposeFunc func(surfaces []*core.Surface) (image []byte, imageType string, err error)

type layerPhase int

const (
	phaseLoading layerPhase = iota
	phaseReady
	phaseCanceled
)

type layerState struct {
	phase    layerPhase
	progress float64
	surface  *core.Surface
}

// Aggregator folds the updates of a job's layers into job statuses. It is
// not safe for concurrent use: exactly one goroutine, the job loop, owns it.
//
// Evaluation rules, in order:
//  1. any layer canceled: canceled, progress -1, nothing is composed
//  2. all layers ready: compose exactly once; finished with progress 1,
//     or failed if composing fails
//  3. otherwise: ongoing with progress min(0.999, round(mean, 4))
//
// Layer errors are appended to the job and never affect the rules above.
// Terminal statuses are absorbing.
type Aggregator struct {
	job      core.Job
	layers   []layerState
	compose  ComposeFunc
	composed int
}

// NewAggregator creates the aggregator of a pending job.
func NewAggregator(id int64, spec *core.PrintSpec, compose ComposeFunc, now time.Time) *Aggregator {
	n := 0
	if spec != nil {
		n = len(spec.Layers)
	}
	return &Aggregator{
		job: core.Job{
			ID:        id,
			Spec:      spec,
			Status:    core.JobStatusPending,
			Progress:  0,
			Errors:    []core.LayerError{},
			UpdatedAt: now,
		},
		layers:  make([]layerState, n),
		compose: compose,
	}
}

// Job returns a snapshot of the current status.
func (a *Aggregator) Job() core.Job {
	return a.job.Clone()
}

// Compositions returns how many times the compose function ran (0 or 1).
func (a *Aggregator) Compositions() int {
	return a.composed
}

// Update applies one layer update and re-evaluates the job. changed reports
// whether the returned status differs from the previous one.
func (a *Aggregator) Update(index int, u core.LayerUpdate, now time.Time) (status core.Job, changed bool) {
	if a.job.Terminal() {
		return a.Job(), false
	}
	if index < 0 || index >= len(a.layers) {
		return a.Job(), false
	}

	l := &a.layers[index]
	errorsBefore := len(a.job.Errors)
	if l.phase == phaseLoading {
		switch u.Kind {
		case core.UpdateLoading:
			if u.Progress > l.progress {
				l.progress = math.Min(u.Progress, core.ProgressCeiling)
			}
		case core.UpdateReady:
			l.phase = phaseReady
			l.progress = core.ProgressDone
			l.surface = u.Surface
		case core.UpdateCanceled:
			l.phase = phaseCanceled
			l.progress = core.ProgressCanceled
		case core.UpdateFailed:
			a.job.Errors = append(a.job.Errors, layerError(index, u))
		}
	} else if u.Kind == core.UpdateFailed {
		a.job.Errors = append(a.job.Errors, layerError(index, u))
	}

	prevStatus, prevProgress := a.job.Status, a.job.Progress
	a.evaluate()
	changed = a.job.Status != prevStatus ||
		a.job.Progress != prevProgress ||
		len(a.job.Errors) != errorsBefore
	if changed {
		a.job.UpdatedAt = now
	}
	return a.Job(), changed
}

// Evaluate re-evaluates without an update. A job with no layers finishes on
// its first evaluation.
func (a *Aggregator) Evaluate(now time.Time) (status core.Job, changed bool) {
	if a.job.Terminal() {
		return a.Job(), false
	}
	prevStatus, prevProgress := a.job.Status, a.job.Progress
	a.evaluate()
	changed = a.job.Status != prevStatus || a.job.Progress != prevProgress
	if changed {
		a.job.UpdatedAt = now
	}
	return a.Job(), changed
}

// Abort cancels the job directly. The job loop uses it when it observes the
// job's cancellation itself, or on dispatcher shutdown.
func (a *Aggregator) Abort(now time.Time) core.Job {
	if !a.job.Terminal() {
		a.job.Status = core.JobStatusCanceled
		a.job.Progress = core.ProgressCanceled
		a.job.UpdatedAt = now
	}
	return a.Job()
}

func (a *Aggregator) evaluate() {
	allReady := true
	sum := 0.0
	for _, l := range a.layers {
		if l.phase == phaseCanceled {
			a.job.Status = core.JobStatusCanceled
			a.job.Progress = core.ProgressCanceled
			a.release()
			return
		}
		if l.phase != phaseReady {
			allReady = false
		}
		sum += l.progress
	}

	if allReady {
		a.finish()
		return
	}

	mean := sum / float64(len(a.layers))
	a.job.Status = core.JobStatusOngoing
	a.job.Progress = math.Min(core.ProgressCeiling, roundTo(mean, 4))
}

func (a *Aggregator) finish() {
	surfaces := make([]*core.Surface, 0, len(a.layers))
	for _, l := range a.layers {
		if !l.surface.Empty() {
			surfaces = append(surfaces, l.surface)
		}
	}

	a.composed++
	img, imgType, err := a.compose(surfaces)
	a.release()
	if err != nil {
		a.job.Status = core.JobStatusFailed
		a.job.Failure = err.Error()
		return
	}
	a.job.Status = core.JobStatusFinished
	a.job.Progress = core.ProgressDone
	a.job.Image = img
	a.job.ImageType = imgType
}

// release drops surface references once the job is terminal.
func (a *Aggregator) release() {
	for i := range a.layers {
		a.layers[i].surface = nil
	}
}

func layerError(index int, u core.LayerUpdate) core.LayerError {
	msg := "layer failed"
	if u.Err != nil {
		msg = u.Err.Error()
	}
	return core.LayerError{Message: msg, LayerIndex: index, URL: u.URL}
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
