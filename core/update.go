package core

import "fmt"

// UpdateKind tags a LayerUpdate.
type UpdateKind int

const (
	// UpdateLoading carries intermediate progress.
	UpdateLoading UpdateKind = iota
	// UpdateReady is the success terminal; it carries the rendered surface.
	UpdateReady
	// UpdateCanceled is the cancel terminal.
	UpdateCanceled
	// UpdateFailed reports a recoverable error. It is not terminal.
	UpdateFailed
)

// String returns a short lowercase name for the kind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateLoading:
		return "loading"
	case UpdateReady:
		return "ready"
	case UpdateCanceled:
		return "canceled"
	case UpdateFailed:
		return "failed"
	default:
		return fmt.Sprintf("UpdateKind(%d)", int(k))
	}
}

// LayerUpdate is one emission of a layer task stream:
// Loading(progress) | Ready(surface) | Canceled | Failed(err).
type LayerUpdate struct {
	Kind     UpdateKind
	Progress float64
	Surface  *Surface
	Err      error
	// URL optionally names the resource that failed.
	URL string
}

// Loading returns an intermediate progress update.
func Loading(progress float64) LayerUpdate {
	return LayerUpdate{Kind: UpdateLoading, Progress: progress}
}

// Ready returns the success terminal update.
func Ready(s *Surface) LayerUpdate {
	return LayerUpdate{Kind: UpdateReady, Progress: ProgressDone, Surface: s}
}

// Canceled returns the cancel terminal update.
func Canceled() LayerUpdate {
	return LayerUpdate{Kind: UpdateCanceled, Progress: ProgressCanceled}
}

// Failed returns a recoverable error update. url may be empty.
func Failed(err error, url string) LayerUpdate {
	return LayerUpdate{Kind: UpdateFailed, Err: err, URL: url}
}

// Terminal reports whether u ends its stream.
func (u LayerUpdate) Terminal() bool {
	return u.Kind == UpdateReady || u.Kind == UpdateCanceled
}
