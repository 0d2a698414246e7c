// Package store defines the persistence contract for execution and step
// records. It deliberately separates durable execution state from the
// immutable compiled pipeline structure; implementations must support
// atomic per-step updates keyed by (execution id, step name) so concurrent
// completion notifications for different steps never corrupt a record.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dsa110/conductor/internal/execution"
)

// ErrNotFound is returned when no execution exists for the queried id.
var ErrNotFound = fmt.Errorf("execution not found")

// Store persists pipeline executions and their per-step state.
type Store interface {
	// CreateExecution persists a new execution record with its initial
	// (pending) step rows.
	CreateExecution(ctx context.Context, exec *execution.Execution) error

	// SetExecutionStatus updates the execution-level status. completedAt is
	// non-nil only for terminal statuses.
	SetExecutionStatus(ctx context.Context, executionID string, status execution.Status, completedAt *time.Time) error

	// UpdateStep atomically replaces the step record keyed by
	// (executionID, step.StepName).
	UpdateStep(ctx context.Context, executionID string, step execution.StepExecution) error

	// GetExecution returns the execution with its steps, or ErrNotFound.
	GetExecution(ctx context.Context, executionID string) (*execution.Execution, error)

	// ListExecutions returns executions of one pipeline ordered newest
	// first, windowed by limit and offset. A limit of 0 means no limit.
	ListExecutions(ctx context.Context, pipelineName string, limit, offset int) ([]*execution.Execution, error)
}
