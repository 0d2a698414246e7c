package localengine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/conductor/internal/engine"
	"github.com/dsa110/conductor/internal/job"
)

// scriptedSource returns jobs whose attempts follow a fixed script.
type scriptedSource struct {
	mu   sync.Mutex
	jobs map[string]func(attempt int) job.Result
	hits map[string]int
}

func newScriptedSource() *scriptedSource {
	return &scriptedSource{
		jobs: make(map[string]func(int) job.Result),
		hits: make(map[string]int),
	}
}

func (s *scriptedSource) add(jobType string, fn func(attempt int) job.Result) {
	s.jobs[jobType] = fn
}

func (s *scriptedSource) attempts(jobType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[jobType]
}

func (s *scriptedSource) NewJob(jobType string) (job.Job, error) {
	fn, ok := s.jobs[jobType]
	if !ok {
		return nil, fmt.Errorf("job type %q: unknown type", jobType)
	}
	return jobFunc(func(ctx context.Context, params map[string]any) job.Result {
		s.mu.Lock()
		s.hits[jobType]++
		n := s.hits[jobType]
		s.mu.Unlock()
		return fn(n)
	}), nil
}

type jobFunc func(ctx context.Context, params map[string]any) job.Result

func (f jobFunc) Execute(ctx context.Context, params map[string]any) job.Result {
	return f(ctx, params)
}

func task(jobType string, retry job.RetryPolicy) engine.Task {
	return engine.Task{
		ExecutionID: "exec-1",
		StepName:    "step-1",
		JobType:     jobType,
		Params:      map[string]any{},
		Retry:       retry,
	}
}

func submitAndWait(t *testing.T, e *Engine, tk engine.Task) engine.Completion {
	t.Helper()
	done := make(chan engine.Completion, 1)
	_, err := e.Submit(context.Background(), tk, func(c engine.Completion) { done <- c })
	require.NoError(t, err)
	select {
	case c := <-done:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return engine.Completion{}
	}
}

func TestSubmitValidation(t *testing.T) {
	src := newScriptedSource()
	src.add("ok", func(int) job.Result { return job.Ok(nil) })
	e := New(src, 2)

	t.Run("nil notify fails", func(t *testing.T) {
		_, err := e.Submit(context.Background(), task("ok", job.SingleAttempt()), nil)
		assert.ErrorContains(t, err, "notify")
	})

	t.Run("invalid retry fails", func(t *testing.T) {
		_, err := e.Submit(context.Background(), task("ok", job.RetryPolicy{}), func(engine.Completion) {})
		assert.ErrorContains(t, err, "max attempts")
	})

	t.Run("unknown job type fails", func(t *testing.T) {
		_, err := e.Submit(context.Background(), task("ghost", job.SingleAttempt()), func(engine.Completion) {})
		assert.ErrorContains(t, err, "unknown type")
	})

	t.Run("handles are distinct", func(t *testing.T) {
		h1, err := e.Submit(context.Background(), task("ok", job.SingleAttempt()), func(engine.Completion) {})
		require.NoError(t, err)
		h2, err := e.Submit(context.Background(), task("ok", job.SingleAttempt()), func(engine.Completion) {})
		require.NoError(t, err)
		assert.NotEqual(t, h1, h2)
		e.Wait()
	})
}

func TestSuccessfulTask(t *testing.T) {
	src := newScriptedSource()
	src.add("ok", func(int) job.Result { return job.Ok(map[string]any{"path": "/tmp/a"}) })
	e := New(src, 2)

	c := submitAndWait(t, e, task("ok", job.SingleAttempt()))
	assert.True(t, c.Success)
	assert.Equal(t, 1, c.Attempt)
	assert.Equal(t, "exec-1", c.ExecutionID)
	assert.Equal(t, "step-1", c.StepName)
	assert.Equal(t, map[string]any{"path": "/tmp/a"}, c.Output)
	assert.Empty(t, c.Error)
}

func TestRetryAccounting(t *testing.T) {
	t.Run("succeeds on a later attempt", func(t *testing.T) {
		src := newScriptedSource()
		src.add("flaky", func(attempt int) job.Result {
			if attempt < 3 {
				return job.Fail("transient")
			}
			return job.Ok(nil)
		})
		e := New(src, 2)

		c := submitAndWait(t, e, task("flaky", job.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     job.BackoffFixed,
			BaseDelay:   time.Millisecond,
		}))
		assert.True(t, c.Success)
		assert.Equal(t, 3, c.Attempt)
		assert.Equal(t, 3, src.attempts("flaky"))
	})

	t.Run("exhausts exactly max attempts", func(t *testing.T) {
		src := newScriptedSource()
		src.add("broken", func(int) job.Result { return job.Fail("always") })
		e := New(src, 2)

		c := submitAndWait(t, e, task("broken", job.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     job.BackoffFixed,
			BaseDelay:   time.Millisecond,
		}))
		assert.False(t, c.Success)
		assert.Equal(t, 3, c.Attempt)
		assert.Equal(t, "always", c.Error)
		assert.Equal(t, 3, src.attempts("broken"))
	})

	t.Run("single attempt jobs never retry", func(t *testing.T) {
		src := newScriptedSource()
		src.add("once", func(int) job.Result { return job.Fail("nope") })
		e := New(src, 2)

		c := submitAndWait(t, e, task("once", job.SingleAttempt()))
		assert.False(t, c.Success)
		assert.Equal(t, 1, src.attempts("once"))
	})
}

func TestPanicIsAFailedAttempt(t *testing.T) {
	src := newScriptedSource()
	src.add("panicky", func(attempt int) job.Result {
		if attempt == 1 {
			panic("boom")
		}
		return job.Ok(nil)
	})
	e := New(src, 2)

	c := submitAndWait(t, e, task("panicky", job.RetryPolicy{
		MaxAttempts: 2,
		Backoff:     job.BackoffNone,
	}))
	assert.True(t, c.Success)
	assert.Equal(t, 2, c.Attempt)
}

func TestCancellation(t *testing.T) {
	src := newScriptedSource()
	src.add("slow", func(int) job.Result { return job.Fail("transient") })
	e := New(src, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan engine.Completion, 1)
	_, err := e.Submit(ctx, task("slow", job.RetryPolicy{
		MaxAttempts: 10,
		Backoff:     job.BackoffFixed,
		BaseDelay:   time.Hour,
	}), func(c engine.Completion) { done <- c })
	require.NoError(t, err)

	cancel()
	select {
	case c := <-done:
		assert.False(t, c.Success)
		assert.Contains(t, c.Error, "canceled")
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not produce a completion")
	}
	e.Wait()
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	src := newScriptedSource()
	src.add("busy", func(int) job.Result {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return job.Ok(nil)
	})

	e := New(src, 2)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		_, err := e.Submit(context.Background(), task("busy", job.SingleAttempt()), func(engine.Completion) { wg.Done() })
		require.NoError(t, err)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
}
