// Package job defines the unit-of-work contract for the pipeline core: a
// named job type that executes once with a parameter map and reports its
// outcome as a Result. Concrete job types live in modules/ and are looked up
// by name through the registry.
package job

import "context"

// Job is a single typed unit of work. An instance carries only what one
// invocation needs; any resource it acquires must be scoped inside Execute
// and released on every exit path.
//
// Execute must not panic for expected failure modes. Those are captured and
// returned via Fail. A panic is treated by the engine as a defective attempt
// and consumes one retry.
type Job interface {
	Execute(ctx context.Context, params map[string]any) Result
}

// Result is the immutable outcome of one Job invocation.
type Result struct {
	Success bool
	Output  map[string]any
	Err     string
}

// Ok builds a successful Result carrying the job's recorded output.
func Ok(output map[string]any) Result {
	if output == nil {
		output = map[string]any{}
	}
	return Result{Success: true, Output: output}
}

// Fail builds a failed Result carrying a human-readable reason.
func Fail(msg string) Result {
	return Result{Success: false, Err: msg}
}
