// Package executor compiles a pipeline definition into a dependency-ordered
// set of engine tasks, resolves cross-step output references at dispatch
// time, and tracks execution state durably. Steps whose dependencies have
// all succeeded are submitted as soon as they become ready; independent
// branches of the DAG run in parallel on the engine, and a failure cascades
// a skip through its dependents without touching unrelated branches.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/engine"
	"github.com/dsa110/conductor/internal/execution"
	"github.com/dsa110/conductor/internal/pipeline"
	"github.com/dsa110/conductor/internal/store"
	"github.com/dsa110/conductor/internal/template"
)

// Executor turns pipeline definitions into tracked executions.
type Executor struct {
	jobs  pipeline.Jobs
	eng   engine.Engine
	store store.Store
	now   func() time.Time
}

// New creates an Executor submitting to the given engine and persisting to
// the given store.
func New(jobs pipeline.Jobs, eng engine.Engine, st store.Store) *Executor {
	return &Executor{jobs: jobs, eng: eng, store: st, now: time.Now}
}

// SetNowFunc overrides the clock, for tests.
func (e *Executor) SetNowFunc(fn func() time.Time) { e.now = fn }

// Execute builds the definition, persists a new execution, dispatches its
// steps in dependency order and blocks until every step reaches a terminal
// state. It returns the execution id. A build failure propagates without
// creating any execution record.
func (e *Executor) Execute(ctx context.Context, def pipeline.Definition) (string, error) {
	logger := ctxlog.FromContext(ctx).With("pipeline", def.Name())

	steps, err := pipeline.BuildSteps(def, e.jobs)
	if err != nil {
		return "", fmt.Errorf("building pipeline %q: %w", def.Name(), err)
	}

	exec := execution.New(def.Name(), steps, e.now())
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("persisting execution: %w", err)
	}
	if err := e.store.SetExecutionStatus(ctx, exec.ID, execution.StatusRunning, nil); err != nil {
		return "", fmt.Errorf("marking execution running: %w", err)
	}
	logger = logger.With("execution_id", exec.ID)
	logger.Info("execution started", "steps", len(steps))

	run := newRun(exec, steps, logger)
	e.dispatchReady(ctx, run)

	for run.remaining > 0 {
		select {
		case c := <-run.completions:
			e.applyCompletion(ctx, run, c)
			e.dispatchReady(ctx, run)
		case <-ctx.Done():
			e.failRemaining(ctx, run, fmt.Sprintf("canceled: %v", ctx.Err()))
		}
	}

	terminal := execution.DeriveStatus(exec.Steps)
	completedAt := e.now().UTC()
	if err := e.store.SetExecutionStatus(ctx, exec.ID, terminal, &completedAt); err != nil {
		logger.Error("failed to persist terminal status", "status", terminal, "error", err)
	}
	logger.Info("execution finished", "status", terminal)
	return exec.ID, nil
}

// GetExecution returns a tracked execution, or store.ErrNotFound.
func (e *Executor) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

// ListExecutions returns executions of one pipeline, newest first.
func (e *Executor) ListExecutions(ctx context.Context, pipelineName string, limit, offset int) ([]*execution.Execution, error) {
	return e.store.ListExecutions(ctx, pipelineName, limit, offset)
}

// runState tracks one in-flight execution. It is confined to the Execute
// goroutine; engine goroutines touch it only through the completions
// channel, so per-step updates stay serialized.
type runState struct {
	exec        *execution.Execution
	steps       []pipeline.Step
	records     map[string]*execution.StepExecution
	outputs     map[string]map[string]any
	depCount    map[string]int
	dependents  map[string][]string
	completions chan engine.Completion
	remaining   int
	logger      *slog.Logger
}

func newRun(exec *execution.Execution, steps []pipeline.Step, logger *slog.Logger) *runState {
	run := &runState{
		exec:        exec,
		steps:       steps,
		records:     make(map[string]*execution.StepExecution, len(steps)),
		outputs:     make(map[string]map[string]any),
		depCount:    make(map[string]int, len(steps)),
		dependents:  make(map[string][]string),
		completions: make(chan engine.Completion, len(steps)),
		remaining:   len(steps),
		logger:      logger,
	}
	for i := range exec.Steps {
		run.records[exec.Steps[i].StepName] = &exec.Steps[i]
	}
	for _, s := range steps {
		run.depCount[s.Name] = len(s.DependsOn)
		for dep := range s.DependsOn {
			run.dependents[dep] = append(run.dependents[dep], s.Name)
		}
	}
	return run
}

// dispatchReady submits, in insertion order, every pending step whose
// dependencies have all succeeded.
func (e *Executor) dispatchReady(ctx context.Context, run *runState) {
	for _, s := range run.steps {
		rec := run.records[s.Name]
		if rec.Status != execution.StatusPending || run.depCount[s.Name] > 0 {
			continue
		}

		// Resolution happens at dispatch time against recorded outputs. A
		// dangling path is the dependent step's failure, not the referenced
		// step's.
		resolved, err := template.Resolve(s.Params, run.outputs)
		if err != nil {
			run.logger.Warn("parameter resolution failed", "step", s.Name, "error", err)
			e.failStep(ctx, run, s.Name, 0, err.Error())
			e.cascadeSkip(ctx, run, s.Name)
			continue
		}

		rec.Status = execution.StatusRunning
		rec.ResolvedParams = resolved
		rec.Attempt = 1
		e.persistStep(ctx, run, s.Name)

		task := engine.Task{
			ExecutionID: run.exec.ID,
			StepName:    s.Name,
			JobType:     s.JobType,
			Params:      resolved,
			Retry:       s.Retry,
		}
		notify := func(c engine.Completion) { run.completions <- c }
		if _, err := e.eng.Submit(ctx, task, notify); err != nil {
			run.logger.Warn("task submission failed", "step", s.Name, "error", err)
			e.failStep(ctx, run, s.Name, 0, fmt.Sprintf("submit failed: %v", err))
			e.cascadeSkip(ctx, run, s.Name)
			continue
		}
		run.logger.Debug("step submitted", "step", s.Name, "job_type", s.JobType)
	}
}

// applyCompletion folds one engine completion into the run, exactly once
// per task.
func (e *Executor) applyCompletion(ctx context.Context, run *runState, c engine.Completion) {
	rec, ok := run.records[c.StepName]
	if !ok || rec.Status != execution.StatusRunning {
		run.logger.Warn("dropping completion for unexpected step", "step", c.StepName)
		return
	}

	if c.Success {
		rec.Status = execution.StatusSucceeded
		rec.Attempt = c.Attempt
		rec.Output = c.Output
		run.outputs[c.StepName] = c.Output
		run.remaining--
		e.persistStep(ctx, run, c.StepName)
		for _, dep := range run.dependents[c.StepName] {
			run.depCount[dep]--
		}
		run.logger.Debug("step succeeded", "step", c.StepName, "attempt", c.Attempt)
		return
	}

	run.logger.Warn("step failed", "step", c.StepName, "attempt", c.Attempt, "error", c.Error)
	e.failStep(ctx, run, c.StepName, c.Attempt, c.Error)
	e.cascadeSkip(ctx, run, c.StepName)
}

// failStep marks a non-terminal step failed and persists the transition.
func (e *Executor) failStep(ctx context.Context, run *runState, stepName string, attempt int, msg string) {
	rec := run.records[stepName]
	if rec.Status.Terminal() {
		return
	}
	rec.Status = execution.StatusFailed
	if attempt > 0 {
		rec.Attempt = attempt
	}
	rec.Error = msg
	run.remaining--
	e.persistStep(ctx, run, stepName)
}

// cascadeSkip marks every pending dependent of a failed step as failed with
// a dependency-skip reason, transitively. Branches unrelated to the failed
// step are untouched.
func (e *Executor) cascadeSkip(ctx context.Context, run *runState, failedName string) {
	for _, dep := range run.dependents[failedName] {
		rec := run.records[dep]
		if rec.Status != execution.StatusPending {
			continue
		}
		e.failStep(ctx, run, dep, 0, fmt.Sprintf("skipped: dependency %s failed", failedName))
		run.logger.Debug("step skipped", "step", dep, "failed_dependency", failedName)
		e.cascadeSkip(ctx, run, dep)
	}
}

// failRemaining force-fails every non-terminal step, used on cancellation
// so an execution never stays unexplained in running.
func (e *Executor) failRemaining(ctx context.Context, run *runState, msg string) {
	for _, s := range run.steps {
		if !run.records[s.Name].Status.Terminal() {
			e.failStep(ctx, run, s.Name, 0, msg)
		}
	}
}

func (e *Executor) persistStep(ctx context.Context, run *runState, stepName string) {
	rec := run.records[stepName]
	if err := e.store.UpdateStep(ctx, run.exec.ID, *rec); err != nil {
		run.logger.Warn("failed to persist step state", "step", stepName, "error", err)
	}
}
