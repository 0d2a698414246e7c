// Package manifest loads declarative pipeline definitions from HCL files.
// A manifest file holds pipeline blocks with cron schedules and step blocks;
// step params may reference earlier steps' outputs either as bare
// traversals (fetch.output.path) or as escaped $${fetch.output.path}
// templates inside strings, both of which become reference tokens the
// executor resolves at dispatch time.
package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/dsa110/conductor/internal/ctxlog"
	"github.com/dsa110/conductor/internal/job"
	"github.com/dsa110/conductor/internal/pipeline"
)

// Pipeline is a pipeline definition decoded from a manifest file. It
// implements pipeline.Definition.
type Pipeline struct {
	name     string
	schedule string
	steps    []manifestStep
	source   string
}

type manifestStep struct {
	name    string
	jobType string
	params  map[string]any
	retry   *job.RetryPolicy
}

func (p *Pipeline) Name() string     { return p.name }
func (p *Pipeline) Schedule() string { return p.schedule }

// Source returns the path of the file the pipeline was loaded from.
func (p *Pipeline) Source() string { return p.source }

// Build adds the manifest's steps to the builder in file order.
func (p *Pipeline) Build(b *pipeline.Builder) error {
	for _, s := range p.steps {
		if s.retry != nil {
			if err := b.AddJobWithRetry(s.jobType, s.name, s.params, *s.retry); err != nil {
				return err
			}
			continue
		}
		if err := b.AddJob(s.jobType, s.name, s.params); err != nil {
			return err
		}
	}
	return nil
}

type hclManifestFile struct {
	Pipelines []*hclPipeline `hcl:"pipeline,block"`
}

type hclPipeline struct {
	Name     string     `hcl:"name,label"`
	Schedule string     `hcl:"schedule"`
	Steps    []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	Name   string         `hcl:"name,label"`
	Job    string         `hcl:"job"`
	Params hcl.Expression `hcl:"params,optional"`
	Retry  *hclRetry      `hcl:"retry,block"`
}

type hclRetry struct {
	MaxAttempts      int    `hcl:"max_attempts"`
	Backoff          string `hcl:"backoff,optional"`
	BaseDelaySeconds int    `hcl:"base_delay_seconds,optional"`
	MaxDelaySeconds  int    `hcl:"max_delay_seconds,optional"`
}

// LoadDir finds and parses every .hcl file under path, recursively, and
// returns the pipelines in deterministic file order.
func LoadDir(ctx context.Context, path string) ([]*Pipeline, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("loading pipeline manifests", "path", path)

	files, err := findManifestFiles(path)
	if err != nil {
		return nil, fmt.Errorf("finding manifest files in %s: %w", path, err)
	}
	if len(files) == 0 {
		logger.Warn("no .hcl manifest files found", "path", path)
		return nil, nil
	}

	parser := hclparse.NewParser()
	var pipelines []*Pipeline
	for _, file := range files {
		loaded, err := loadFile(file, parser)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, loaded...)
	}
	logger.Info("loaded pipeline manifests", "files", len(files), "pipelines", len(pipelines))
	return pipelines, nil
}

func findManifestFiles(path string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".hcl") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func loadFile(filePath string, parser *hclparse.Parser) ([]*Pipeline, error) {
	hclFile, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing manifest %s: %w", filePath, diags)
	}

	var parsed hclManifestFile
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decoding manifest %s: %w", filePath, diags)
	}

	pipelines := make([]*Pipeline, 0, len(parsed.Pipelines))
	for _, hp := range parsed.Pipelines {
		p, err := newPipeline(hp, filePath)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", filePath, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func newPipeline(hp *hclPipeline, filePath string) (*Pipeline, error) {
	if hp.Name == "" {
		return nil, fmt.Errorf("pipeline block is missing a name label")
	}
	p := &Pipeline{
		name:     hp.Name,
		schedule: hp.Schedule,
		source:   filePath,
	}
	for _, hs := range hp.Steps {
		step, err := newStep(hs)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", hp.Name, err)
		}
		p.steps = append(p.steps, step)
	}
	return p, nil
}

func newStep(hs *hclStep) (manifestStep, error) {
	if hs.Name == "" {
		return manifestStep{}, fmt.Errorf("step block is missing a name label")
	}
	if hs.Job == "" {
		return manifestStep{}, fmt.Errorf("step %q: job is required", hs.Name)
	}

	params, err := paramsFromExpr(hs.Params)
	if err != nil {
		return manifestStep{}, fmt.Errorf("step %q: %w", hs.Name, err)
	}

	step := manifestStep{name: hs.Name, jobType: hs.Job, params: params}
	if hs.Retry != nil {
		policy, err := retryFromHCL(hs.Retry)
		if err != nil {
			return manifestStep{}, fmt.Errorf("step %q: %w", hs.Name, err)
		}
		step.retry = &policy
	}
	return step, nil
}

func retryFromHCL(hr *hclRetry) (job.RetryPolicy, error) {
	backoff, err := job.ParseBackoff(hr.Backoff)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	policy := job.RetryPolicy{
		MaxAttempts: hr.MaxAttempts,
		Backoff:     backoff,
		BaseDelay:   time.Duration(hr.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(hr.MaxDelaySeconds) * time.Second,
	}
	if err := policy.Validate(); err != nil {
		return job.RetryPolicy{}, err
	}
	return policy, nil
}
