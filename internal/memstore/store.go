// Package memstore provides the ephemeral, in-memory implementation of
// store.Store used by tests and single-process runs. Records are deep
// copied on the way in and out so callers can never alias store state.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dsa110/conductor/internal/execution"
	"github.com/dsa110/conductor/internal/store"
)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu    sync.RWMutex
	execs map[string]*execution.Execution
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{execs: make(map[string]*execution.Execution)}
}

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution and its id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.execs[exec.ID]; exists {
		return fmt.Errorf("execution %q already exists", exec.ID)
	}
	s.execs[exec.ID] = exec.Clone()
	return nil
}

// SetExecutionStatus updates the execution-level status.
func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, status execution.Status, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, store.ErrNotFound)
	}
	exec.Status = status
	if completedAt != nil {
		t := completedAt.UTC()
		exec.CompletedAt = &t
	}
	return nil
}

// UpdateStep atomically replaces one step record keyed by
// (executionID, step name).
func (s *Store) UpdateStep(ctx context.Context, executionID string, step execution.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %q: %w", executionID, store.ErrNotFound)
	}
	existing := exec.Step(step.StepName)
	if existing == nil {
		return fmt.Errorf("execution %q has no step %q", executionID, step.StepName)
	}
	*existing = step.Clone()
	return nil
}

// GetExecution returns a deep copy of the stored execution.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.execs[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %q: %w", executionID, store.ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListExecutions returns executions of one pipeline, newest first.
func (s *Store) ListExecutions(ctx context.Context, pipelineName string, limit, offset int) ([]*execution.Execution, error) {
	s.mu.RLock()
	matched := make([]*execution.Execution, 0)
	for _, exec := range s.execs {
		if exec.PipelineName == pipelineName {
			matched = append(matched, exec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if offset >= len(matched) {
		return []*execution.Execution{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}
