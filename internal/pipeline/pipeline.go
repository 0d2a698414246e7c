// Package pipeline implements the declarative DAG builder: a named,
// cron-scheduled definition produces an ordered list of step configs whose
// dependency edges are derived from ${step.output.path} references in the
// parameters, never declared by hand. Forward references fail at build time,
// which keeps the graph acyclic by construction with no separate cycle pass.
package pipeline

import (
	"fmt"

	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/template"
)

// Build-time errors. They surface synchronously to the caller of Build and
// never produce a persisted execution record.
var (
	ErrDuplicateStep        = fmt.Errorf("duplicate step")
	ErrUnknownJobType       = fmt.Errorf("unknown job type")
	ErrUnresolvedDependency = fmt.Errorf("unresolved dependency")
)

// Definition is a pipeline template. A fresh value is produced for every
// triggering, built once, compiled, and discarded; it owns no long-lived
// state. The schedule is a cron expression and must be non-empty, enforced
// at scheduler registration rather than at build time.
type Definition interface {
	Name() string
	Schedule() string
	Build(b *Builder) error
}

// Step is one compiled step of a pipeline build.
type Step struct {
	Name      string
	JobType   string
	Params    map[string]any
	Retry     job.RetryPolicy
	DependsOn map[string]struct{}
}

// Jobs is the slice of the registry the builder needs: existence checks and
// default retry policies for job types.
type Jobs interface {
	DefaultRetry(jobType string) (job.RetryPolicy, bool)
}

// Builder accumulates steps for one pipeline build.
type Builder struct {
	jobs  Jobs
	steps []Step
	index map[string]int
}

// NewBuilder creates a Builder resolving job types against the given catalog.
func NewBuilder(jobs Jobs) *Builder {
	return &Builder{jobs: jobs, index: make(map[string]int)}
}

// AddJob appends a step using the job type's default retry policy.
func (b *Builder) AddJob(jobType, stepName string, params map[string]any) error {
	return b.add(jobType, stepName, params, nil)
}

// AddJobWithRetry appends a step with a per-step retry policy override.
func (b *Builder) AddJobWithRetry(jobType, stepName string, params map[string]any, retry job.RetryPolicy) error {
	return b.add(jobType, stepName, params, &retry)
}

func (b *Builder) add(jobType, stepName string, params map[string]any, retry *job.RetryPolicy) error {
	if stepName == "" {
		return fmt.Errorf("step name must not be empty")
	}
	if _, exists := b.index[stepName]; exists {
		return fmt.Errorf("step %q: %w", stepName, ErrDuplicateStep)
	}

	defaultRetry, known := b.jobs.DefaultRetry(jobType)
	if !known {
		return fmt.Errorf("step %q references job type %q: %w", stepName, jobType, ErrUnknownJobType)
	}

	policy := defaultRetry
	if retry != nil {
		if err := retry.Validate(); err != nil {
			return fmt.Errorf("step %q: %w", stepName, err)
		}
		policy = *retry
	}

	if params == nil {
		params = map[string]any{}
	}

	// Dependency edges are derived, not declared: every reference token in
	// the params must point at a step already added, so insertion order is
	// always a valid topological order.
	dependsOn := make(map[string]struct{})
	for _, ref := range template.Refs(params) {
		if _, exists := b.index[ref.Step]; !exists {
			return fmt.Errorf("step %q references %s before step %q was added: %w",
				stepName, ref.Token, ref.Step, ErrUnresolvedDependency)
		}
		dependsOn[ref.Step] = struct{}{}
	}

	b.index[stepName] = len(b.steps)
	b.steps = append(b.steps, Step{
		Name:      stepName,
		JobType:   jobType,
		Params:    params,
		Retry:     policy,
		DependsOn: dependsOn,
	})
	return nil
}

// Steps returns the accumulated steps in insertion order.
func (b *Builder) Steps() []Step {
	return b.steps
}

// BuildSteps runs a definition's Build against a fresh Builder and returns
// the compiled step list.
func BuildSteps(def Definition, jobs Jobs) ([]Step, error) {
	b := NewBuilder(jobs)
	if err := def.Build(b); err != nil {
		return nil, err
	}
	return b.Steps(), nil
}

// Func is a convenience Definition built from plain values and a build
// function, used by tests and programmatic registrations.
type Func struct {
	PipelineName string
	CronSchedule string
	BuildFunc    func(b *Builder) error
}

func (f *Func) Name() string     { return f.PipelineName }
func (f *Func) Schedule() string { return f.CronSchedule }

func (f *Func) Build(b *Builder) error {
	if f.BuildFunc == nil {
		return nil
	}
	return f.BuildFunc(b)
}
