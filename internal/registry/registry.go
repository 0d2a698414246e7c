// Package registry provides the central glue for the job and pipeline type
// system: explicit name→type lookup tables populated by registration at
// startup. Lookup failures are typed errors, never silent nils.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/pipeline"
)

// ErrDuplicateRegistration is returned when a job type or pipeline name is
// registered twice. The second registration is not retained.
var ErrDuplicateRegistration = fmt.Errorf("duplicate registration")

// ErrUnknownType is returned when a lookup key was never registered.
var ErrUnknownType = fmt.Errorf("unknown type")

// RegisteredJob holds the compiled Go parts of a job type: a factory for
// fresh instances and the type's default retry policy.
type RegisteredJob struct {
	New   func() job.Job
	Retry job.RetryPolicy
}

// PipelineFactory produces a fresh pipeline definition for one triggering.
type PipelineFactory func() pipeline.Definition

// Module is the interface all built-in job modules implement to be
// registered into an application instance.
type Module interface {
	Register(r *Registry) error
}

// Registry holds the registered job types and pipeline definitions for a
// single application instance. It is read-mostly after startup; the mutex
// protects the rare register/reset mutation from concurrent readers.
type Registry struct {
	mu        sync.RWMutex
	jobs      map[string]*RegisteredJob
	pipelines map[string]PipelineFactory
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		jobs:      make(map[string]*RegisteredJob),
		pipelines: make(map[string]PipelineFactory),
	}
}

// RegisterJob records a job type under its dispatch name. Registering a
// duplicate name fails fast with ErrDuplicateRegistration.
func (r *Registry) RegisterJob(jobType string, rj *RegisteredJob) error {
	if jobType == "" {
		return fmt.Errorf("job type name must not be empty")
	}
	if rj == nil || rj.New == nil {
		return fmt.Errorf("job type %q: factory must not be nil", jobType)
	}
	if err := rj.Retry.Validate(); err != nil {
		return fmt.Errorf("job type %q: %w", jobType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[jobType]; exists {
		return fmt.Errorf("job type %q: %w", jobType, ErrDuplicateRegistration)
	}
	r.jobs[jobType] = rj
	return nil
}

// RegisterPipeline records a pipeline definition factory under the
// definition's own name. Registering a duplicate name fails fast and the
// second factory is not retained.
func (r *Registry) RegisterPipeline(factory PipelineFactory) error {
	if factory == nil {
		return fmt.Errorf("pipeline factory must not be nil")
	}
	def := factory()
	name := def.Name()
	if name == "" {
		return fmt.Errorf("pipeline name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[name]; exists {
		return fmt.Errorf("pipeline %q: %w", name, ErrDuplicateRegistration)
	}
	r.pipelines[name] = factory
	return nil
}

// Job returns the registered job type for a dispatch name.
func (r *Registry) Job(jobType string) (*RegisteredJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rj, ok := r.jobs[jobType]
	if !ok {
		return nil, fmt.Errorf("job type %q: %w", jobType, ErrUnknownType)
	}
	return rj, nil
}

// NewJob instantiates a fresh Job for one invocation of the given type.
func (r *Registry) NewJob(jobType string) (job.Job, error) {
	rj, err := r.Job(jobType)
	if err != nil {
		return nil, err
	}
	return rj.New(), nil
}

// DefaultRetry reports the default retry policy of a job type and whether
// the type is registered. It satisfies pipeline.Jobs.
func (r *Registry) DefaultRetry(jobType string) (job.RetryPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rj, ok := r.jobs[jobType]
	if !ok {
		return job.RetryPolicy{}, false
	}
	return rj.Retry, true
}

// Pipeline returns the registered factory for a pipeline name.
func (r *Registry) Pipeline(name string) (PipelineFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", name, ErrUnknownType)
	}
	return f, nil
}

// JobTypes returns the registered job type names, sorted for stable output.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PipelineNames returns the registered pipeline names, sorted.
func (r *Registry) PipelineNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears all entries. Intended for test harnesses only; clearing a
// live registry would orphan in-flight executions that reference
// now-unregistered job types.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*RegisteredJob)
	r.pipelines = make(map[string]PipelineFactory)
}
