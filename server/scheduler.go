package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalprint/core"
	"github.com/petal-labs/petalprint/loader"
)

const (
	defaultSchedulePollInterval = 5 * time.Second

	// scheduleTimeLayout renders {time} in output templates.
	scheduleTimeLayout = "20060102T150405Z"
)

const (
	ScheduleRunStatusRunning        = "running"
	ScheduleRunStatusCompleted      = "completed"
	ScheduleRunStatusFailed         = "failed"
	ScheduleRunStatusSkippedOverlap = "skipped_overlap"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleActive   = errors.New("schedule is already running")
)

// Schedule is a recurring print: every time Cron fires, the spec at
// SpecPath is submitted and the finished image is written to Output.
// Output may contain {name}, {time} and {id} placeholders.
type Schedule struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Cron     string `json:"cron" yaml:"cron" validate:"required"`
	SpecPath string `json:"spec" yaml:"spec" validate:"required"`
	Output   string `json:"output" yaml:"output" validate:"required"`
}

// ScheduleStatus is the observable state of one schedule.
type ScheduleStatus struct {
	Schedule

	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastJobID  *int64     `json:"last_job_id,omitempty"`
	LastOutput string     `json:"last_output,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// PrintSchedulerConfig configures the background print schedule runner.
type PrintSchedulerConfig struct {
	Engine       Engine
	Schedules    []Schedule
	LoadSpec     func(path string) (*core.PrintSpec, error) // default: loader.LoadFile
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// PrintScheduler periodically submits due print schedules. A schedule whose
// previous run is still active is skipped for that tick.
type PrintScheduler struct {
	engine       Engine
	loadSpec     func(path string) (*core.PrintSpec, error)
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	crons map[string]cron.Schedule

	mu        sync.Mutex
	schedules map[string]*ScheduleStatus
	active    map[string]struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewPrintScheduler validates the schedules and computes their first run.
func NewPrintScheduler(cfg PrintSchedulerConfig) (*PrintScheduler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("print scheduler engine is nil")
	}
	if cfg.LoadSpec == nil {
		cfg.LoadSpec = loader.LoadFile
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	now := cfg.Now().UTC()
	schedules := make(map[string]*ScheduleStatus, len(cfg.Schedules))
	crons := make(map[string]cron.Schedule, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return nil, errors.New("schedule name is required")
		}
		if _, dup := schedules[name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", name)
		}
		if sc.SpecPath == "" || sc.Output == "" {
			return nil, fmt.Errorf("schedule %q: spec and output are required", name)
		}
		sched, err := parsePrintCron(sc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", name, err)
		}
		sc.Name = name
		crons[name] = sched
		schedules[name] = &ScheduleStatus{Schedule: sc, NextRunAt: nextPrintRun(sched, now)}
	}

	return &PrintScheduler{
		engine:       cfg.Engine,
		loadSpec:     cfg.LoadSpec,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		logger:       cfg.Logger,
		crons:        crons,
		schedules:    schedules,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling. Runs are bound to ctx.
func (s *PrintScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("print scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop stops polling and waits for in-flight runs, or for ctx to end.
func (s *PrintScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	finished := make(chan struct{})
	go func() {
		if done != nil {
			<-done
		}
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce starts every schedule that is due. Runs proceed in the
// background; use Stop to wait for them.
func (s *PrintScheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range s.sortedNamesLocked() {
		st := s.schedules[name]
		if st.NextRunAt.After(now) {
			continue
		}
		st.NextRunAt = nextPrintRun(s.crons[name], now)

		if _, busy := s.active[name]; busy {
			st.LastStatus = ScheduleRunStatusSkippedOverlap
			st.LastError = "skipped because prior scheduled run is still active"
			s.logger.Warn("schedule skipped", "schedule", name, "reason", "overlap")
			continue
		}

		s.active[name] = struct{}{}
		st.LastStatus = ScheduleRunStatusRunning
		st.LastError = ""
		s.wg.Add(1)
		go func(sc Schedule) {
			defer s.wg.Done()
			s.run(ctx, sc, now)
		}(st.Schedule)
	}
}

// Trigger runs a schedule immediately and waits for its result.
func (s *PrintScheduler) Trigger(ctx context.Context, name string) (ScheduleStatus, error) {
	s.mu.Lock()
	st, ok := s.schedules[name]
	if !ok {
		s.mu.Unlock()
		return ScheduleStatus{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	if _, busy := s.active[name]; busy {
		s.mu.Unlock()
		return ScheduleStatus{}, fmt.Errorf("%w: %s", ErrScheduleActive, name)
	}
	s.active[name] = struct{}{}
	st.LastStatus = ScheduleRunStatusRunning
	st.LastError = ""
	sc := st.Schedule
	s.mu.Unlock()

	s.run(ctx, sc, s.now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneScheduleStatus(*s.schedules[name]), nil
}

// Statuses returns the state of every schedule ordered by name.
func (s *PrintScheduler) Statuses() []ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(s.schedules))
	for _, name := range s.sortedNamesLocked() {
		out = append(out, cloneScheduleStatus(*s.schedules[name]))
	}
	return out
}

func (s *PrintScheduler) run(ctx context.Context, sc Schedule, scheduledAt time.Time) {
	runID := uuid.NewString()
	logger := s.logger.With("schedule", sc.Name, "run_id", runID)

	jobID, output, runErr := s.print(ctx, sc, scheduledAt)

	finish := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sc.Name)

	st, ok := s.schedules[sc.Name]
	if !ok {
		return
	}
	st.LastRunAt = &finish
	st.LastRunID = runID
	st.LastJobID = jobID
	if runErr != nil {
		st.LastStatus = ScheduleRunStatusFailed
		st.LastError = runErr.Error()
		logger.Error("scheduled print failed", "error", runErr)
		return
	}
	st.LastStatus = ScheduleRunStatusCompleted
	st.LastError = ""
	st.LastOutput = output
	logger.Info("scheduled print written", "job_id", *jobID, "output", output)
}

// print submits the schedule's spec, waits for the job and writes the image.
func (s *PrintScheduler) print(ctx context.Context, sc Schedule, scheduledAt time.Time) (*int64, string, error) {
	spec, err := s.loadSpec(sc.SpecPath)
	if err != nil {
		return nil, "", err
	}
	id, err := s.engine.Submit(spec)
	if err != nil {
		return nil, "", err
	}

	final, err := s.engine.Wait(ctx, id)
	if err != nil {
		s.engine.Cancel(id)
		return &id, "", fmt.Errorf("waiting for job %d: %w", id, err)
	}
	switch final.Status {
	case core.JobStatusFinished:
	case core.JobStatusFailed:
		return &id, "", fmt.Errorf("job %d failed: %s", id, final.Failure)
	default:
		return &id, "", fmt.Errorf("job %d ended %s", id, final.Status)
	}

	output := expandOutput(sc.Output, sc.Name, scheduledAt, id)
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &id, "", fmt.Errorf("creating output directory: %w", err)
		}
	}
	if err := os.WriteFile(output, final.Image, 0o644); err != nil { // #nosec G306 -- images are not secret
		return &id, "", fmt.Errorf("writing image: %w", err)
	}
	return &id, output, nil
}

func (s *PrintScheduler) sortedNamesLocked() []string {
	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expandOutput fills the placeholders of an output path template.
func expandOutput(template, name string, at time.Time, jobID int64) string {
	return strings.NewReplacer(
		"{name}", name,
		"{time}", at.UTC().Format(scheduleTimeLayout),
		"{id}", strconv.FormatInt(jobID, 10),
	).Replace(template)
}

func cloneScheduleStatus(in ScheduleStatus) ScheduleStatus {
	out := in
	if in.LastRunAt != nil {
		t := *in.LastRunAt
		out.LastRunAt = &t
	}
	if in.LastJobID != nil {
		id := *in.LastJobID
		out.LastJobID = &id
	}
	return out
}
