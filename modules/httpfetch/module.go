// Package httpfetch provides the 'http_fetch' job type: it performs an HTTP
// request and records the status code and response body as output, so
// downstream steps can reference them.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/registry"
)

// maxBodyBytes bounds how much of a response body is recorded as output.
const maxBodyBytes = 1 << 20

// httpClient is shared across executions to reuse TCP connections.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// Module implements the registry.Module interface for this package.
type Module struct{}

// Register wires the 'http_fetch' job type into the registry. Transient
// network failures are worth re-attempting, so the default policy retries
// with a fixed delay.
func (Module) Register(r *registry.Registry) error {
	return r.RegisterJob("http_fetch", &registry.RegisteredJob{
		New: func() job.Job { return &fetchJob{client: httpClient} },
		Retry: job.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     job.BackoffFixed,
			BaseDelay:   2 * time.Second,
		},
	})
}

type fetchJob struct {
	client *http.Client
}

func (j *fetchJob) Execute(ctx context.Context, params map[string]any) job.Result {
	url, err := job.StringParam(params, "url")
	if err != nil {
		return job.Fail(err.Error())
	}
	method, err := job.OptionalString(params, "method", http.MethodGet)
	if err != nil {
		return job.Fail(err.Error())
	}
	body, err := job.OptionalString(params, "body", "")
	if err != nil {
		return job.Fail(err.Error())
	}

	logger := ctxlog.FromContext(ctx)
	logger.Info("http fetch", "method", method, "url", url)

	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reqBody)
	if err != nil {
		return job.Fail(fmt.Sprintf("building request: %v", err))
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return job.Fail(fmt.Sprintf("executing request: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return job.Fail(fmt.Sprintf("reading response body: %v", err))
	}

	logger.Info("http fetch response", "status", resp.Status, "bytes", len(respBody))
	if resp.StatusCode >= http.StatusBadRequest {
		return job.Fail(fmt.Sprintf("request failed with status %s", resp.Status))
	}

	return job.Ok(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	})
}
