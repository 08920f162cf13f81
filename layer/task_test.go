package layer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalprint/bus"
	"github.com/petal-labs/petalprint/core"
)

type taskHarness struct {
	task   *Task
	out    chan Update
	bus    *bus.MemCancelBus
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(t *testing.T, fn func(ctx context.Context, req Request, emit Emit) error, policy ErrorPolicy) *taskHarness {
	t.Helper()
	b := bus.NewMemCancelBus()
	out := make(chan Update, 64)
	task := NewTask(TaskConfig{
		JobID:   1,
		Index:   2,
		Spec:    core.LayerSpec{Type: "scripted"},
		Frame:   Frame{Width: 4, Height: 4},
		Backend: BackendFunc{Name: "scripted", Fn: fn},
		Cancel:  b,
		Policy:  policy,
	}, out)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return &taskHarness{task: task, out: out, bus: b, ctx: ctx, cancel: cancel}
}

func (h *taskHarness) run() {
	go h.task.Run(h.ctx)
}

// next returns the next update or fails after a second.
func (h *taskHarness) next(t *testing.T) core.LayerUpdate {
	t.Helper()
	select {
	case u := <-h.out:
		if u.Index != 2 {
			t.Fatalf("update index = %d, want 2", u.Index)
		}
		return u.LayerUpdate
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for layer update")
		return core.LayerUpdate{}
	}
}

// untilTerminal collects updates up to and including the terminal one.
func (h *taskHarness) untilTerminal(t *testing.T) []core.LayerUpdate {
	t.Helper()
	var got []core.LayerUpdate
	for {
		u := h.next(t)
		got = append(got, u)
		if u.Terminal() {
			return got
		}
	}
}

func (h *taskHarness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
}

func (h *taskHarness) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-h.out:
		t.Fatalf("unexpected update %s (%v)", u.Kind, u.Progress)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTask_FirstLoadingQueuedAtConstruction(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ Request, _ Emit) error {
		<-ctx.Done()
		return ctx.Err()
	}, "")

	if len(h.out) != 1 {
		t.Fatalf("queued updates = %d, want 1 before Run", len(h.out))
	}
	u := h.next(t)
	if u.Kind != core.UpdateLoading || u.Progress != 0 {
		t.Fatalf("first update = %s(%v), want loading(0)", u.Kind, u.Progress)
	}
	if got := h.bus.Subscribers(1); got != 1 {
		t.Fatalf("cancel subscribers = %d, want 1 right after NewTask", got)
	}
}

func TestTask_FirstLoadingSentByRunWhenOutFull(t *testing.T) {
	b := bus.NewMemCancelBus()
	defer b.Close()
	out := make(chan Update)
	task := NewTask(TaskConfig{
		JobID:  1,
		Cancel: b,
		Backend: BackendFunc{Name: "x", Fn: func(_ context.Context, _ Request, emit Emit) error {
			emit(core.Ready(core.NewSurface(1, 1)))
			return nil
		}},
	}, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go task.Run(ctx)

	first := <-out
	if first.Kind != core.UpdateLoading || first.Progress != 0 {
		t.Fatalf("first update = %s(%v), want loading(0)", first.Kind, first.Progress)
	}
	if second := <-out; second.Kind != core.UpdateReady {
		t.Fatalf("second update = %s, want ready", second.Kind)
	}
}

func TestTask_MonotonicProgress(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ Request, emit Emit) error {
		for _, p := range []float64{0.2, 0.1, 0.2, 0.5, 1.5, 0.999, 0.7} {
			emit(core.Loading(p))
		}
		emit(core.Ready(nil))
		return nil
	}, "")
	h.run()

	got := h.untilTerminal(t)
	want := []float64{0, 0.2, 0.5, 0.999}
	if len(got) != len(want)+1 {
		t.Fatalf("got %d updates, want %d", len(got), len(want)+1)
	}
	for i, p := range want {
		if got[i].Kind != core.UpdateLoading || got[i].Progress != p {
			t.Errorf("update %d = %s(%v), want loading(%v)", i, got[i].Kind, got[i].Progress, p)
		}
	}
	last := got[len(got)-1]
	if last.Kind != core.UpdateReady || last.Surface == nil || !last.Surface.Empty() {
		t.Fatalf("terminal = %+v, want ready with an empty surface", last)
	}
	h.waitDone(t)
}

func TestTask_CancelFromBus(t *testing.T) {
	stopped := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, _ Request, emit Emit) error {
		emit(core.Loading(0.3))
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}, "")
	h.run()

	h.next(t) // loading(0)
	if u := h.next(t); u.Progress != 0.3 {
		t.Fatalf("progress = %v, want 0.3", u.Progress)
	}

	h.bus.Publish(1)
	u := h.next(t)
	if u.Kind != core.UpdateCanceled || u.Progress != core.ProgressCanceled {
		t.Fatalf("update = %s(%v), want canceled(-1)", u.Kind, u.Progress)
	}
	h.waitDone(t)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("backend context was not canceled")
	}
	h.assertQuiet(t)
}

func TestTask_LateResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, _ Request, emit Emit) error {
		<-release
		emit(core.Ready(core.NewSurface(4, 4)))
		return nil
	}, "")
	h.run()
	h.next(t)

	h.bus.Publish(1)
	if u := h.next(t); u.Kind != core.UpdateCanceled {
		t.Fatalf("update = %s, want canceled", u.Kind)
	}
	h.waitDone(t)

	close(release)
	h.assertQuiet(t)
}

func TestTask_FailedIsNotTerminal(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ Request, emit Emit) error {
		emit(core.Loading(0.4))
		emit(core.Failed(errors.New("tile 3 failed"), "https://tiles/3"))
		emit(core.Loading(0.8))
		emit(core.Ready(core.NewSurface(4, 4)))
		return nil
	}, "")
	h.run()

	got := h.untilTerminal(t)
	kinds := make([]string, len(got))
	for i, u := range got {
		kinds[i] = u.Kind.String()
	}
	if strings.Join(kinds, ",") != "loading,loading,failed,loading,ready" {
		t.Fatalf("kinds = %v", kinds)
	}
	failed := got[2]
	if failed.URL != "https://tiles/3" || failed.Progress != 0.4 {
		t.Errorf("failed update = %+v, want url and frozen progress 0.4", failed)
	}
}

func TestTask_PanicRecovered(t *testing.T) {
	h := newHarness(t, func(context.Context, Request, Emit) error {
		panic("boom")
	}, ErrorPolicySkipLayer)
	h.run()

	got := h.untilTerminal(t)
	if len(got) != 3 {
		t.Fatalf("got %d updates, want loading, failed, ready", len(got))
	}
	if got[1].Kind != core.UpdateFailed || !strings.Contains(got[1].Err.Error(), "panicked: boom") {
		t.Fatalf("update 1 = %+v, want failed with panic message", got[1])
	}
	if got[2].Kind != core.UpdateReady || !got[2].Surface.Empty() {
		t.Fatalf("update 2 = %+v, want ready(empty)", got[2])
	}
}

func TestTask_ErrorPolicyContinue(t *testing.T) {
	h := newHarness(t, func(_ context.Context, _ Request, emit Emit) error {
		emit(core.Loading(0.6))
		return &HTTPError{URL: "https://wms/getmap", StatusCode: 502}
	}, ErrorPolicyContinue)
	h.run()

	h.next(t)
	h.next(t)
	u := h.next(t)
	if u.Kind != core.UpdateFailed || u.URL != "https://wms/getmap" {
		t.Fatalf("update = %+v, want failed with url", u)
	}
	h.assertQuiet(t)

	select {
	case <-h.task.Done():
		t.Fatal("task should stay open under the continue policy")
	default:
	}

	h.bus.Publish(1)
	if u := h.next(t); u.Kind != core.UpdateCanceled {
		t.Fatalf("update = %s, want canceled", u.Kind)
	}
	h.waitDone(t)
}

func TestTask_ErrorPolicyCancelJob(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ Request, emit Emit) error {
		emit(core.Failed(errors.New("style missing"), ""))
		<-ctx.Done()
		return ctx.Err()
	}, ErrorPolicyCancelJob)
	h.run()

	got := h.untilTerminal(t)
	if len(got) != 3 || got[1].Kind != core.UpdateFailed || got[2].Kind != core.UpdateCanceled {
		t.Fatalf("got %+v, want loading, failed, canceled", got)
	}
	h.waitDone(t)
}

func TestTask_NoSurface(t *testing.T) {
	h := newHarness(t, func(context.Context, Request, Emit) error {
		return nil
	}, ErrorPolicySkipLayer)
	h.run()

	got := h.untilTerminal(t)
	if !errors.Is(got[1].Err, ErrNoSurface) {
		t.Fatalf("error = %v, want ErrNoSurface", got[1].Err)
	}
}

func TestTask_ContextEndStopsSilently(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ Request, _ Emit) error {
		<-ctx.Done()
		return ctx.Err()
	}, "")
	h.run()
	h.next(t)

	h.cancel()
	h.waitDone(t)
	h.assertQuiet(t)
	if got := h.bus.Subscribers(1); got != 0 {
		t.Fatalf("cancel subscribers = %d, want 0 after the task ends", got)
	}
}

func TestParseErrorPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ErrorPolicy
		wantErr bool
	}{
		{"", ErrorPolicyContinue, false},
		{"continue", ErrorPolicyContinue, false},
		{"skip_layer", ErrorPolicySkipLayer, false},
		{"cancel_job", ErrorPolicyCancelJob, false},
		{"retry", "", true},
	}
	for _, tt := range tests {
		got, err := ParseErrorPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseErrorPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseErrorPolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
