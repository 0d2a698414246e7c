// Package engine defines the contract between the pipeline core and the
// external task-execution engine. The core only submits tasks and reacts to
// the single terminal completion the engine delivers per task; the engine's
// worker model, wire protocol and persistence are out of scope.
package engine

import (
	"context"

	"github.com/dsa110/conductor/internal/job"
)

// Task is one unit of work handed to the engine. The engine owns retries:
// it re-attempts according to the policy and reports only the terminal
// outcome.
type Task struct {
	ExecutionID string
	StepName    string
	JobType     string
	Params      map[string]any
	Retry       job.RetryPolicy
}

// Handle identifies a submitted task within the engine.
type Handle string

// Completion is the asynchronous terminal outcome of a task: success with
// the job's output, or failure after retry exhaustion. Attempt carries how
// many attempts were consumed.
type Completion struct {
	ExecutionID string
	StepName    string
	Attempt     int
	Success     bool
	Output      map[string]any
	Error       string
}

// Engine is the black-box task execution engine. Submit hands over a task
// and returns immediately; notify is invoked exactly once, from an engine
// goroutine, when the task reaches a terminal outcome.
type Engine interface {
	Submit(ctx context.Context, task Task, notify func(Completion)) (Handle, error)
}
