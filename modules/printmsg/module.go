// Package printmsg provides the 'print' job type: it logs a message and
// echoes it back as output. Useful for manifest smoke tests and as the
// terminal step of notification pipelines.
package printmsg

import (
	"context"
	"time"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/registry"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the 'print' job type into the registry.
func (Module) Register(r *registry.Registry) error {
	return r.RegisterJob("print", &registry.RegisteredJob{
		New:   func() job.Job { return &printJob{} },
		Retry: job.SingleAttempt(),
	})
}

type printJob struct{}

func (*printJob) Execute(ctx context.Context, params map[string]any) job.Result {
	msg, err := job.StringParam(params, "message")
	if err != nil {
		return job.Fail(err.Error())
	}

	ctxlog.FromContext(ctx).Info("print job", "message", msg)
	return job.Ok(map[string]any{
		"message":    msg,
		"printed_at": time.Now().UTC().Format(time.RFC3339),
	})
}
