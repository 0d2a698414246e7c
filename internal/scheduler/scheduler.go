// Package scheduler is the long-running daemon loop: it holds the set of
// registered pipeline factories with their cron schedules, wakes on a fixed
// interval, and triggers every pipeline whose next due time has passed.
// Ticks that fall entirely inside one sleep are coalesced into a single
// trigger; missed runs are never replayed.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/pipeline"
	"github.com/dsa110/conductor/internal/registry"
)

// DefaultCheckInterval is how often the daemon loop wakes to scan for due
// pipelines when no interval was configured.
const DefaultCheckInterval = 60 * time.Second

var (
	// ErrMissingSchedule is returned when a pipeline registers with an
	// empty cron expression.
	ErrMissingSchedule = fmt.Errorf("pipeline schedule must not be empty")

	// ErrUnregisteredPipeline is returned by Trigger for a name the
	// scheduler does not hold.
	ErrUnregisteredPipeline = fmt.Errorf("pipeline is not registered")
)

// Runner executes one pipeline definition to completion and returns the
// execution id. The executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, def pipeline.Definition) (string, error)
}

type entry struct {
	factory  registry.PipelineFactory
	schedule string
	nextDue  time.Time
}

// PipelineInfo describes one scheduled pipeline for listings.
type PipelineInfo struct {
	Name      string
	Schedule  string
	NextDueAt time.Time
}

// Scheduler triggers registered pipelines when their cron schedule is due.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}

	nowFn  func() time.Time
	nextFn func(schedule string, after time.Time) (time.Time, error)
}

// New creates a Scheduler triggering through the given runner. A
// checkInterval of 0 or below falls back to DefaultCheckInterval.
func New(runner Runner, checkInterval time.Duration) *Scheduler {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &Scheduler{
		runner:   runner,
		interval: checkInterval,
		entries:  make(map[string]*entry),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
		nextFn:   cronNext,
	}
}

// cronNext evaluates a standard five-field cron expression.
func cronNext(schedule string, after time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after), nil
}

// SetNowFunc overrides the clock, for tests.
func (s *Scheduler) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// SetNextFunc overrides the schedule evaluator, for tests.
func (s *Scheduler) SetNextFunc(fn func(schedule string, after time.Time) (time.Time, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFn = fn
}

// Register adds a pipeline factory under its definition's name. The
// definition must carry a non-empty, parseable cron schedule; duplicates
// fail fast and the second factory is not retained.
func (s *Scheduler) Register(factory registry.PipelineFactory) error {
	if factory == nil {
		return fmt.Errorf("pipeline factory must not be nil")
	}
	def := factory()
	name := def.Name()
	if name == "" {
		return fmt.Errorf("pipeline name must not be empty")
	}
	schedule := def.Schedule()
	if schedule == "" {
		return fmt.Errorf("pipeline %q: %w", name, ErrMissingSchedule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("pipeline %q: %w", name, registry.ErrDuplicateRegistration)
	}
	next, err := s.nextFn(schedule, s.nowFn())
	if err != nil {
		return fmt.Errorf("pipeline %q: invalid schedule %q: %w", name, schedule, err)
	}
	s.entries[name] = &entry{factory: factory, schedule: schedule, nextDue: next}
	return nil
}

// Unregister removes a pipeline from the schedule. Removing an absent name
// is a no-op.
func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, name)
}

// Start runs the daemon loop until the context is canceled or Stop is
// called. Each wake triggers every due pipeline once; a failing trigger is
// logged and never stops the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("scheduler started", "check_interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-s.stopCh:
			logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop terminates a running Start loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce performs a single due-pipeline scan, triggering each due pipeline
// exactly once and advancing its next due time strictly past now. It
// returns the execution id per triggered pipeline name. Calling it again
// before the next due time is a no-op.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]string {
	logger := ctxlog.FromContext(ctx)
	now := s.now()

	triggered := make(map[string]string)
	for _, name := range s.dueNames(now) {
		id, err := s.Trigger(ctx, name)
		if err != nil {
			logger.Error("scheduled trigger failed", "pipeline", name, "error", err)
			continue
		}
		triggered[name] = id
	}
	return triggered
}

// dueNames collects due pipelines and advances their next due times, under
// the lock, so the triggers themselves run without holding it.
func (s *Scheduler) dueNames(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for name, en := range s.entries {
		if en.nextDue.After(now) {
			continue
		}
		due = append(due, name)
		// Advance strictly past now. Ticks that elapsed during the sleep
		// collapse into this one trigger and are not replayed.
		next, err := s.nextFn(en.schedule, now)
		if err == nil {
			en.nextDue = next
		}
	}
	sort.Strings(due)
	return due
}

// Trigger runs one registered pipeline immediately, outside its schedule,
// and returns the execution id. A panicking build or runner is recovered
// into an error so a broken pipeline cannot take the daemon down.
func (s *Scheduler) Trigger(ctx context.Context, name string) (id string, err error) {
	s.mu.Lock()
	en, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("pipeline %q: %w", name, ErrUnregisteredPipeline)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline %q: trigger panicked: %v", name, r)
		}
	}()
	return s.runner.Execute(ctx, en.factory())
}

// ListPipelines returns the scheduled pipelines sorted by name.
func (s *Scheduler) ListPipelines() []PipelineInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]PipelineInfo, 0, len(s.entries))
	for name, en := range s.entries {
		infos = append(infos, PipelineInfo{
			Name:      name,
			Schedule:  en.schedule,
			NextDueAt: en.nextDue,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *Scheduler) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}
