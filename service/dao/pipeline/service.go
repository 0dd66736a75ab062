// Package pipeline loads and caches CI pipeline definitions from YAML
// documents addressed by afs URLs (file, embed, s3, gs, …).
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/viant/afs"
	"github.com/viant/afs/storage"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"

	"github.com/conveyor-ci/conveyor/internal/yml"
	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/graph"
	"github.com/conveyor-ci/conveyor/model/trigger"
)

type Service struct {
	fs        afs.Service
	baseURL   string
	fsOptions []storage.Option
	cache     map[string]*model.Pipeline
	mux       sync.RWMutex
}

// Load loads a pipeline definition from YAML at the specified location,
// serving repeated requests from cache until Refresh discards the entry.
func (s *Service) Load(ctx context.Context, location string) (*model.Pipeline, error) {
	if filepath.Ext(location) == "" {
		location += ".yaml"
	}
	URL := location
	if s.baseURL != "" && url.Scheme(location, "") == "" && !strings.HasPrefix(location, "/") {
		URL = url.Join(s.baseURL, location)
	}

	s.mux.RLock()
	cached, ok := s.cache[URL]
	s.mux.RUnlock()
	if ok {
		return cached, nil
	}

	data, err := s.fs.DownloadWithURL(ctx, URL, s.fsOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline from %s: %w", URL, err)
	}
	pipeline, err := s.parse(URL, data)
	if err != nil {
		return nil, err
	}

	s.mux.Lock()
	s.cache[URL] = pipeline
	s.mux.Unlock()
	return pipeline, nil
}

// DecodeYAML decodes a pipeline definition from YAML bytes.
func (s *Service) DecodeYAML(encoded []byte) (*model.Pipeline, error) {
	return s.parse("", encoded)
}

// Refresh discards the cached copy for the given location; the next Load
// re-reads the definition from storage.
func (s *Service) Refresh(location string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if location == "" {
		s.cache = make(map[string]*model.Pipeline)
		return
	}
	for URL := range s.cache {
		if URL == location || strings.HasSuffix(URL, "/"+location) {
			delete(s.cache, URL)
		}
	}
}

// Upsert stores a parsed definition in the cache under the given location.
func (s *Service) Upsert(location string, pipeline *model.Pipeline) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.cache[location] = pipeline
}

func (s *Service) parse(URL string, data []byte) (*model.Pipeline, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline from %s: %w", URL, err)
	}
	pipeline := &model.Pipeline{
		Source: &model.Source{URL: URL},
		Name:   nameFromURL(URL),
	}
	if err := parsePipeline((*yml.Node)(&node).Root(), pipeline); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline from %s: %w", URL, err)
	}
	if issues := pipeline.Validate(); len(issues) > 0 {
		return nil, issues[0]
	}
	return pipeline, nil
}

// nameFromURL extracts the pipeline name from its location (file name
// without extension).
func nameFromURL(URL string) string {
	base := filepath.Base(URL)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func parsePipeline(node *yml.Node, pipeline *model.Pipeline) error {
	return node.Pairs(func(key string, valueNode *yml.Node) error {
		switch strings.ToLower(key) {
		case "name":
			pipeline.Name = valueNode.Value
		case "description":
			pipeline.Description = valueNode.Value
		case "version":
			pipeline.Version = valueNode.Value
		case "on":
			triggers, err := parseTriggers(valueNode)
			if err != nil {
				return fmt.Errorf("failed to parse on: %w", err)
			}
			pipeline.On = triggers
		case "env":
			pipeline.Env = valueNode.StringMap()
		case "secrets":
			pipeline.Secrets = valueNode.Strings()
		case "jobs":
			if valueNode.Kind != yaml.MappingNode {
				return fmt.Errorf("jobs node should be a mapping")
			}
			return valueNode.Pairs(func(jobID string, jobNode *yml.Node) error {
				job, err := parseJob(jobID, jobNode)
				if err != nil {
					return err
				}
				pipeline.Jobs = append(pipeline.Jobs, job)
				return nil
			})
		}
		return nil
	})
}

func parseTriggers(node *yml.Node) (*trigger.Triggers, error) {
	triggers := &trigger.Triggers{}
	// on: [push, pull_request] shorthand with no branch filters
	if node.Kind == yaml.SequenceNode {
		for _, kind := range node.Strings() {
			switch strings.ToLower(kind) {
			case string(trigger.Push):
				triggers.Push = &trigger.Filter{}
			case string(trigger.PullRequest):
				triggers.PullRequest = &trigger.Filter{}
			case string(trigger.Call):
				triggers.Call = true
			default:
				return nil, fmt.Errorf("unknown trigger %q", kind)
			}
		}
		return triggers, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("on node should be a mapping or sequence")
	}
	err := node.Pairs(func(key string, valueNode *yml.Node) error {
		switch strings.ToLower(key) {
		case string(trigger.Push):
			triggers.Push = parseFilter(valueNode)
		case string(trigger.PullRequest), "pullrequest":
			triggers.PullRequest = parseFilter(valueNode)
		case string(trigger.Call):
			flag, ok := valueNode.Interface().(bool)
			if !ok {
				return fmt.Errorf("call should be a boolean")
			}
			triggers.Call = flag
		default:
			return fmt.Errorf("unknown trigger %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return triggers, nil
}

func parseFilter(node *yml.Node) *trigger.Filter {
	filter := &trigger.Filter{}
	if branches := node.Lookup("branches"); branches != nil {
		filter.Branches = branches.Strings()
	}
	return filter
}

func parseJob(id string, node *yml.Node) (*graph.Job, error) {
	job := &graph.Job{ID: id, Name: id}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("job %s should be a mapping", id)
	}
	err := node.Pairs(func(key string, valueNode *yml.Node) error {
		switch strings.ToLower(key) {
		case "name":
			job.Name = valueNode.Value
		case "needs":
			job.Needs = valueNode.Strings()
		case "runs-on", "runson":
			job.RunsOn = valueNode.Value
		case "credentials":
			job.Credentials = valueNode.Value
		case "env":
			job.Env = valueNode.StringMap()
		case "timeout":
			job.Timeout = valueNode.Value
		case "when", "if":
			job.When = valueNode.Value
		case "strategy":
			strategy, err := parseStrategy(valueNode)
			if err != nil {
				return fmt.Errorf("job %s: %w", id, err)
			}
			job.Strategy = strategy
		case "outputs":
			job.Outputs = valueNode.StringMap()
		case "steps":
			if valueNode.Kind != yaml.SequenceNode {
				return fmt.Errorf("job %s steps should be a sequence", id)
			}
			return valueNode.Items(func(index int, stepNode *yml.Node) error {
				step, err := parseStep(stepNode)
				if err != nil {
					return fmt.Errorf("job %s step #%d: %w", id, index+1, err)
				}
				job.Steps = append(job.Steps, step)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func parseStrategy(node *yml.Node) (*graph.Strategy, error) {
	strategy := &graph.Strategy{}
	err := node.Pairs(func(key string, valueNode *yml.Node) error {
		switch strings.ToLower(key) {
		case "matrix":
			strategy.Matrix = map[string][]interface{}{}
			return valueNode.Pairs(func(axis string, valuesNode *yml.Node) error {
				switch strings.ToLower(axis) {
				case "include":
					strategy.Include = variantList(valuesNode)
				case "exclude":
					strategy.Exclude = variantList(valuesNode)
				default:
					values, ok := valuesNode.Interface().([]interface{})
					if !ok {
						return fmt.Errorf("matrix axis %s should be a sequence", axis)
					}
					strategy.Matrix[axis] = values
				}
				return nil
			})
		case "fail-fast", "failfast":
			flag, ok := valueNode.Interface().(bool)
			if !ok {
				return fmt.Errorf("fail-fast should be a boolean")
			}
			strategy.FailFast = &flag
		case "max-parallel", "maxparallel":
			count, ok := valueNode.Interface().(int)
			if !ok {
				return fmt.Errorf("max-parallel should be an integer")
			}
			strategy.MaxParallel = count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return strategy, nil
}

func variantList(node *yml.Node) []map[string]interface{} {
	var result []map[string]interface{}
	_ = node.Items(func(index int, itemNode *yml.Node) error {
		if variant, ok := itemNode.Interface().(map[string]interface{}); ok {
			result = append(result, variant)
		}
		return nil
	})
	return result
}

func parseStep(node *yml.Node) (*graph.Step, error) {
	step := &graph.Step{}
	// a bare scalar item is a run command shorthand
	if node.Kind == yaml.ScalarNode {
		step.Run = node.Value
		return step, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("step should be a mapping or scalar")
	}
	err := node.Pairs(func(key string, valueNode *yml.Node) error {
		switch strings.ToLower(key) {
		case "id":
			step.ID = valueNode.Value
		case "name":
			step.Name = valueNode.Value
		case "run":
			step.Run = valueNode.Value
		case "uses":
			step.Uses = valueNode.Value
		case "with":
			if with, ok := valueNode.Interface().(map[string]interface{}); ok {
				step.With = with
			}
		case "env":
			step.Env = valueNode.StringMap()
		case "workdir", "working-directory":
			step.Workdir = valueNode.Value
		case "timeout":
			step.Timeout = valueNode.Value
		case "continue-on-error", "continueonerror":
			flag, ok := valueNode.Interface().(bool)
			if !ok {
				return fmt.Errorf("continue-on-error should be a boolean")
			}
			step.ContinueOnError = flag
		case "when", "if":
			step.When = valueNode.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return step, nil
}

// New creates a new pipeline DAO instance.
func New(opts ...Option) *Service {
	ret := &Service{
		fs:    afs.New(),
		cache: make(map[string]*model.Pipeline),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}
