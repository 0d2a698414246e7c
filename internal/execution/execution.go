// Package execution holds the persisted record types for one triggering of
// a pipeline: the execution itself and the per-step state the executor
// mutates as the engine reports task outcomes.
package execution

import (
	"time"

	"github.com/google/uuid"

	"github.com/dsa110/conductor/internal/pipeline"
)

// Status is the closed execution state enum. Per step the progression is
// strict: pending → running → succeeded|failed, with failed reachable
// directly from pending via a cascading skip. The execution-level status is
// always derived from step statuses, never independently mutated.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// StepExecution is the mutable per-step record of one execution.
type StepExecution struct {
	StepName       string
	JobType        string
	ResolvedParams map[string]any
	Status         Status
	Attempt        int
	Output         map[string]any
	Error          string
}

// Execution is one tracked triggering of a pipeline.
type Execution struct {
	ID           string
	PipelineName string
	Status       Status
	StartedAt    time.Time
	CompletedAt  *time.Time
	Steps        []StepExecution
}

// New creates a pending execution record for the given compiled steps. Step
// params are recorded as written; the executor swaps in resolved params at
// dispatch time.
func New(pipelineName string, steps []pipeline.Step, now time.Time) *Execution {
	exec := &Execution{
		ID:           uuid.NewString(),
		PipelineName: pipelineName,
		Status:       StatusPending,
		StartedAt:    now.UTC(),
		Steps:        make([]StepExecution, 0, len(steps)),
	}
	for _, s := range steps {
		exec.Steps = append(exec.Steps, StepExecution{
			StepName:       s.Name,
			JobType:        s.JobType,
			ResolvedParams: s.Params,
			Status:         StatusPending,
		})
	}
	return exec
}

// Step returns a pointer to the named step record, or nil.
func (e *Execution) Step(name string) *StepExecution {
	for i := range e.Steps {
		if e.Steps[i].StepName == name {
			return &e.Steps[i]
		}
	}
	return nil
}

// DeriveStatus computes the execution-level status as a pure aggregation of
// step statuses: running while any step is not terminal, succeeded when all
// steps succeeded, failed when every step failed, otherwise partial. An
// execution with no steps is vacuously succeeded.
func DeriveStatus(steps []StepExecution) Status {
	if len(steps) == 0 {
		return StatusSucceeded
	}
	succeeded, failed := 0, 0
	for _, s := range steps {
		switch s.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		default:
			return StatusRunning
		}
	}
	switch {
	case failed == 0:
		return StatusSucceeded
	case succeeded == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Clone returns a deep copy safe to hand across goroutine boundaries.
func (e *Execution) Clone() *Execution {
	cp := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Steps = make([]StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the step record.
func (s StepExecution) Clone() StepExecution {
	sc := s
	sc.ResolvedParams = cloneMap(s.ResolvedParams)
	sc.Output = cloneMap(s.Output)
	return sc
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// NewID returns a fresh execution id.
func NewID() string { return uuid.NewString() }
