// Package localengine is an in-process implementation of the engine
// contract: a bounded worker pool that runs registered jobs, honors retry
// policies by rescheduling attempts on a timer, and delivers exactly one
// completion per task. It exists so the core is runnable and testable
// without an external engine deployment.
package localengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/engine"
	"github.com/dsa110/conductor/internal/job"
)

// JobSource resolves a job type name into a fresh Job instance.
type JobSource interface {
	NewJob(jobType string) (job.Job, error)
}

// Engine runs tasks on a bounded pool of worker slots.
type Engine struct {
	jobs    JobSource
	slots   chan struct{}
	wg      sync.WaitGroup
	counter atomic.Uint64
}

// New creates a local engine with the given number of concurrent worker
// slots. workers below 1 is treated as 1.
func New(jobs JobSource, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		jobs:  jobs,
		slots: make(chan struct{}, workers),
	}
}

// Submit validates the task and schedules it. The attempt loop runs on an
// engine goroutine; retry delays never block the caller.
func (e *Engine) Submit(ctx context.Context, task engine.Task, notify func(engine.Completion)) (engine.Handle, error) {
	if notify == nil {
		return "", fmt.Errorf("notify callback is required")
	}
	if err := task.Retry.Validate(); err != nil {
		return "", fmt.Errorf("task %s/%s: %w", task.ExecutionID, task.StepName, err)
	}
	if _, err := e.jobs.NewJob(task.JobType); err != nil {
		return "", err
	}

	handle := engine.Handle(fmt.Sprintf("local-%d", e.counter.Add(1)))
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		notify(e.runAttempts(ctx, task))
	}()
	return handle, nil
}

// Wait blocks until every submitted task has delivered its completion.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) runAttempts(ctx context.Context, task engine.Task) engine.Completion {
	logger := ctxlog.FromContext(ctx).With(
		"execution_id", task.ExecutionID,
		"step", task.StepName,
		"job_type", task.JobType,
	)

	completion := engine.Completion{
		ExecutionID: task.ExecutionID,
		StepName:    task.StepName,
	}

	for attempt := 1; attempt <= task.Retry.MaxAttempts; attempt++ {
		completion.Attempt = attempt

		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			completion.Error = fmt.Sprintf("canceled before attempt %d: %v", attempt, ctx.Err())
			return completion
		}
		result := e.runOnce(ctx, task)
		<-e.slots

		if result.Success {
			completion.Success = true
			completion.Output = result.Output
			completion.Error = ""
			return completion
		}
		completion.Error = result.Err
		logger.Warn("task attempt failed", "attempt", attempt, "error", result.Err)

		if attempt == task.Retry.MaxAttempts {
			break
		}
		delay := task.Retry.Delay(attempt)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				completion.Error = fmt.Sprintf("canceled while awaiting retry: %v", ctx.Err())
				return completion
			}
		}
	}
	return completion
}

// runOnce executes a single attempt. A panic inside Execute is an
// unexpected defect and converts into a failed attempt.
func (e *Engine) runOnce(ctx context.Context, task engine.Task) (result job.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = job.Fail(fmt.Sprintf("job panicked: %v", r))
		}
	}()

	j, err := e.jobs.NewJob(task.JobType)
	if err != nil {
		return job.Fail(err.Error())
	}
	return j.Execute(ctx, task.Params)
}
