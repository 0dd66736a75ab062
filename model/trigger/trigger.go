package trigger

import (
	"path"
	"strings"
)

// Kind identifies the class of repository event that can start a pipeline run.
type Kind string

const (
	// Push fires on a commit pushed to a branch.
	Push Kind = "push"
	// PullRequest fires on a pull request targeting a branch.
	PullRequest Kind = "pull_request"
	// Call fires when another pipeline run invokes this pipeline explicitly.
	Call Kind = "call"
)

type (
	// Event describes a repository event submitted to the engine, either via
	// the HTTP intake or programmatically.
	Event struct {
		Kind   Kind   `json:"kind" yaml:"kind"`
		Repo   string `json:"repo,omitempty" yaml:"repo,omitempty"`
		// Branch is the pushed branch for push events and the TARGET branch
		// for pull_request events.
		Branch     string `json:"branch,omitempty" yaml:"branch,omitempty"`
		HeadBranch string `json:"headBranch,omitempty" yaml:"headBranch,omitempty"`
		Commit     string `json:"commit,omitempty" yaml:"commit,omitempty"`
		// CallerRunID links a call event back to the run that issued it.
		CallerRunID string                 `json:"callerRunId,omitempty" yaml:"callerRunId,omitempty"`
		Inputs      map[string]interface{} `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	}

	// Filter restricts an event kind to a set of branch patterns. An empty
	// pattern list matches every branch.
	Filter struct {
		Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`
	}

	// Triggers declares which events start a pipeline. A nil section means
	// the corresponding event kind never matches.
	Triggers struct {
		Push        *Filter `json:"push,omitempty" yaml:"push,omitempty"`
		PullRequest *Filter `json:"pullRequest,omitempty" yaml:"pullRequest,omitempty"`
		Call        bool    `json:"call,omitempty" yaml:"call,omitempty"`
	}
)

// Matches reports whether the event should start a run of the owning
// pipeline.
func (t *Triggers) Matches(event *Event) bool {
	if t == nil || event == nil {
		return false
	}
	switch event.Kind {
	case Push:
		return t.Push != nil && t.Push.Matches(event.Branch)
	case PullRequest:
		return t.PullRequest != nil && t.PullRequest.Matches(event.Branch)
	case Call:
		return t.Call
	}
	return false
}

// Matches reports whether the branch satisfies at least one pattern.
// Patterns use path-style globbing ("main", "release/*"); "**" matches any
// branch including nested segments.
func (f *Filter) Matches(branch string) bool {
	if f == nil {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	for _, pattern := range f.Branches {
		if pattern == "**" || pattern == branch {
			return true
		}
		if ok, _ := path.Match(pattern, branch); ok {
			return true
		}
		// "release/**" style prefix patterns
		if strings.HasSuffix(pattern, "/**") &&
			strings.HasPrefix(branch, strings.TrimSuffix(pattern, "**")) {
			return true
		}
	}
	return false
}

// Scope exposes event attributes to expression expansion
// (event.branch, event.commit, …).
func (e *Event) Scope() map[string]interface{} {
	if e == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{
		"kind":       string(e.Kind),
		"repo":       e.Repo,
		"branch":     e.Branch,
		"headBranch": e.HeadBranch,
		"commit":     e.Commit,
		"inputs":     e.Inputs,
	}
}
