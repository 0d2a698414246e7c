package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/pipeline"
)

type catalog map[string]job.RetryPolicy

func (c catalog) DefaultRetry(jobType string) (job.RetryPolicy, bool) {
	p, ok := c[jobType]
	return p, ok
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func loadOne(t *testing.T, content string) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	writeManifest(t, dir, "pipeline.hcl", content)
	pipelines, err := LoadDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	return pipelines[0]
}

func TestLoadDir(t *testing.T) {
	t.Run("parses a full pipeline", func(t *testing.T) {
		p := loadOne(t, `
pipeline "nightly_etl" {
  schedule = "0 2 * * *"

  step "fetch" {
    job = "http_fetch"
    params = {
      url = "https://example.com/data.csv"
    }
  }

  step "clean" {
    job = "process"
    params = {
      in      = fetch.output.body
      verbose = true
      rows    = 100
    }
    retry {
      max_attempts       = 3
      backoff            = "exponential"
      base_delay_seconds = 2
      max_delay_seconds  = 60
    }
  }
}
`)
		assert.Equal(t, "nightly_etl", p.Name())
		assert.Equal(t, "0 2 * * *", p.Schedule())
		assert.NotEmpty(t, p.Source())

		steps, err := pipeline.BuildSteps(p, catalog{
			"http_fetch": job.SingleAttempt(),
			"process":    job.SingleAttempt(),
		})
		require.NoError(t, err)
		require.Len(t, steps, 2)

		assert.Equal(t, "fetch", steps[0].Name)
		assert.Equal(t, "http_fetch", steps[0].JobType)
		assert.Equal(t, "https://example.com/data.csv", steps[0].Params["url"])

		clean := steps[1]
		assert.Equal(t, "${fetch.output.body}", clean.Params["in"])
		assert.Equal(t, true, clean.Params["verbose"])
		assert.Equal(t, 100, clean.Params["rows"])
		assert.Equal(t, map[string]struct{}{"fetch": {}}, clean.DependsOn)

		assert.Equal(t, job.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     job.BackoffExponential,
			BaseDelay:   2 * time.Second,
			MaxDelay:    60 * time.Second,
		}, clean.Retry)
	})

	t.Run("escaped template tokens survive as text", func(t *testing.T) {
		p := loadOne(t, `
pipeline "escaped" {
  schedule = "* * * * *"
  step "report" {
    job = "print"
    params = {
      message = "file at $${fetch.output.path} archived"
    }
  }
}
`)
		require.Len(t, p.steps, 1)
		assert.Equal(t, "file at ${fetch.output.path} archived", p.steps[0].params["message"])
	})

	t.Run("nested params convert recursively", func(t *testing.T) {
		p := loadOne(t, `
pipeline "nested" {
  schedule = "* * * * *"
  step "pack" {
    job = "archive_upload"
    params = {
      opts = {
        paths = [fetch.output.path, "literal"]
      }
    }
  }
}
`)
		opts := p.steps[0].params["opts"].(map[string]any)
		paths := opts["paths"].([]any)
		assert.Equal(t, "${fetch.output.path}", paths[0])
		assert.Equal(t, "literal", paths[1])
	})

	t.Run("multiple files load in deterministic order", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "a.hcl", `
pipeline "alpha" {
  schedule = "* * * * *"
}
`)
		writeManifest(t, dir, "b.hcl", `
pipeline "beta" {
  schedule = "* * * * *"
}
`)
		pipelines, err := LoadDir(context.Background(), dir)
		require.NoError(t, err)
		require.Len(t, pipelines, 2)
		assert.Equal(t, "alpha", pipelines[0].Name())
		assert.Equal(t, "beta", pipelines[1].Name())
	})

	t.Run("empty directory yields no pipelines", func(t *testing.T) {
		pipelines, err := LoadDir(context.Background(), t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, pipelines)
	})

	t.Run("missing schedule fails decoding", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad.hcl", `
pipeline "no_schedule" {
}
`)
		_, err := LoadDir(context.Background(), dir)
		assert.Error(t, err)
	})

	t.Run("missing job attribute fails", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad.hcl", `
pipeline "no_job" {
  schedule = "* * * * *"
  step "x" {
  }
}
`)
		_, err := LoadDir(context.Background(), dir)
		assert.Error(t, err)
	})

	t.Run("invalid retry block fails", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad.hcl", `
pipeline "bad_retry" {
  schedule = "* * * * *"
  step "x" {
    job = "print"
    retry {
      max_attempts = 0
    }
  }
}
`)
		_, err := LoadDir(context.Background(), dir)
		assert.ErrorContains(t, err, "max attempts")
	})

	t.Run("malformed hcl fails", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad.hcl", `pipeline "x" {`)
		_, err := LoadDir(context.Background(), dir)
		assert.Error(t, err)
	})
}

func TestTokenFromTraversalShape(t *testing.T) {
	t.Run("references must pass through output", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "bad.hcl", `
pipeline "bad_ref" {
  schedule = "* * * * *"
  step "x" {
    job = "print"
    params = {
      in = fetch.result.path
    }
  }
}
`)
		_, err := LoadDir(context.Background(), dir)
		assert.ErrorContains(t, err, "<step>.output.<path>")
	})
}
