package model

import (
	"fmt"
	"time"

	"github.com/conveyor-ci/conveyor/model/graph"
	"github.com/conveyor-ci/conveyor/model/trigger"
)

// Pipeline represents a CI pipeline definition.
type Pipeline struct {

	// Source provides information about the origin of the definition
	Source *Source `json:"source,omitempty" yaml:"source,omitempty"`

	// Name is the unique identifier for the pipeline
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description of the pipeline
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Version specifies the definition version
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// On declares the events that start a run
	On *trigger.Triggers `json:"on,omitempty" yaml:"on,omitempty"`

	// Env holds pipeline level environment variables, inherited by every job
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Secrets lists scy secret resources resolved before a run starts and
	// injected as environment variables
	Secrets []string `json:"secrets,omitempty" yaml:"secrets,omitempty"`

	// Jobs defines the execution graph of the pipeline, in declared order
	Jobs []*graph.Job `json:"jobs,omitempty" yaml:"jobs,omitempty"`
}

type Source struct {
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
}

// NewPipeline creates a new pipeline with the given name.
func NewPipeline(name string) *Pipeline {
	return &Pipeline{Name: name}
}

// WithTriggers sets the trigger section.
func (p *Pipeline) WithTriggers(on *trigger.Triggers) *Pipeline {
	p.On = on
	return p
}

// WithEnv sets a pipeline level environment variable.
func (p *Pipeline) WithEnv(name, value string) *Pipeline {
	if p.Env == nil {
		p.Env = make(map[string]string)
	}
	p.Env[name] = value
	return p
}

// NewJob creates a job with the given id and appends it to the pipeline.
func (p *Pipeline) NewJob(id string) *graph.Job {
	job := &graph.Job{ID: id, Name: id}
	p.Jobs = append(p.Jobs, job)
	return job
}

// Job returns the job with the given id, nil when absent.
func (p *Pipeline) Job(id string) *graph.Job {
	for _, job := range p.Jobs {
		if job.ID == id {
			return job
		}
	}
	return nil
}

// AllJobs returns the pipeline jobs indexed by id.
func (p *Pipeline) AllJobs() map[string]*graph.Job {
	jobs := make(map[string]*graph.Job, len(p.Jobs))
	for _, job := range p.Jobs {
		jobs[job.ID] = job
	}
	return jobs
}

// Validate performs a best-effort structural validation of the pipeline. The
// returned slice is empty when the definition is sound; otherwise it contains
// human-readable error descriptions. The function does NOT evaluate any
// expressions, it only verifies static properties.
func (p *Pipeline) Validate() []error {
	var issues []error

	if len(p.Jobs) == 0 {
		issues = append(issues, fmt.Errorf("pipeline has no jobs"))
		return issues
	}

	seen := map[string]bool{}
	for _, job := range p.Jobs {
		if job.ID == "" {
			issues = append(issues, fmt.Errorf("job has empty id"))
			continue
		}
		if seen[job.ID] {
			issues = append(issues, fmt.Errorf("duplicate job id %s", job.ID))
		}
		seen[job.ID] = true
	}

	for _, job := range p.Jobs {
		for _, need := range job.Needs {
			if need == job.ID {
				issues = append(issues, fmt.Errorf("job %s depends on itself", job.ID))
			} else if !seen[need] {
				issues = append(issues, fmt.Errorf("job %s needs unknown job %s", job.ID, need))
			}
		}
		issues = append(issues, validateJob(job)...)
	}

	// Detect dependency cycles with a white/grey/black DFS.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := map[string]int{}
	jobs := p.AllJobs()

	var dfs func(id string) bool // true when a back-edge (cycle) is found
	dfs = func(id string) bool {
		switch colour[id] {
		case grey:
			return true
		case black:
			return false
		}
		colour[id] = grey
		if job := jobs[id]; job != nil {
			for _, need := range job.Needs {
				if dfs(need) {
					return true
				}
			}
		}
		colour[id] = black
		return false
	}
	for _, job := range p.Jobs {
		if dfs(job.ID) {
			issues = append(issues, fmt.Errorf("pipeline contains cyclic job dependencies"))
			break
		}
	}

	return issues
}

func validateJob(job *graph.Job) []error {
	var issues []error
	if job.Timeout != "" {
		if _, err := time.ParseDuration(job.Timeout); err != nil {
			issues = append(issues, fmt.Errorf("job %s has invalid timeout: %v", job.ID, err))
		}
	}
	if job.Strategy != nil {
		for axis, values := range job.Strategy.Matrix {
			if len(values) == 0 {
				issues = append(issues, fmt.Errorf("job %s matrix axis %s has no values", job.ID, axis))
			}
		}
		if job.Strategy.MaxParallel < 0 {
			issues = append(issues, fmt.Errorf("job %s has negative maxParallel", job.ID))
		}
	}
	if len(job.Steps) == 0 {
		issues = append(issues, fmt.Errorf("job %s has no steps", job.ID))
	}
	for i, step := range job.Steps {
		label := step.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if step.Run == "" && step.Uses == "" {
			issues = append(issues, fmt.Errorf("job %s step %s defines neither run nor uses", job.ID, label))
		}
		if step.Run != "" && step.Uses != "" {
			issues = append(issues, fmt.Errorf("job %s step %s defines both run and uses", job.ID, label))
		}
		if step.Timeout != "" {
			if _, err := time.ParseDuration(step.Timeout); err != nil {
				issues = append(issues, fmt.Errorf("job %s step %s has invalid timeout: %v", job.ID, label, err))
			}
		}
	}
	return issues
}

// Clone creates a deep copy of the pipeline.
func (p *Pipeline) Clone() *Pipeline {
	if p == nil {
		return nil
	}
	clone := &Pipeline{
		Name:        p.Name,
		Description: p.Description,
		Version:     p.Version,
	}
	if p.Source != nil {
		clone.Source = &Source{URL: p.Source.URL}
	}
	if p.On != nil {
		on := *p.On
		if p.On.Push != nil {
			on.Push = &trigger.Filter{Branches: append([]string{}, p.On.Push.Branches...)}
		}
		if p.On.PullRequest != nil {
			on.PullRequest = &trigger.Filter{Branches: append([]string{}, p.On.PullRequest.Branches...)}
		}
		clone.On = &on
	}
	if p.Env != nil {
		clone.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			clone.Env[k] = v
		}
	}
	if p.Secrets != nil {
		clone.Secrets = append([]string{}, p.Secrets...)
	}
	if p.Jobs != nil {
		clone.Jobs = make([]*graph.Job, len(p.Jobs))
		for i, job := range p.Jobs {
			clone.Jobs[i] = job.Clone()
		}
	}
	return clone
}
