// Package policy provides an optional per-job gate applied before dispatch.
// It is attached via context; engines that do not embed a Policy keep the
// default "auto" behaviour and dispatch everything.
package policy

import (
	"context"
	"strings"
)

// Dispatch modes recognised by the scheduler.
const (
	ModeAsk  = "ask"  // ask before dispatching every job
	ModeAuto = "auto" // dispatch automatically (default)
	ModeDeny = "deny" // block dispatch
)

// AskFunc is invoked when Mode==ask. Returning true approves the job.
// Implementations may mutate the policy, for example switching to ModeAuto
// after the first approval.
type AskFunc func(ctx context.Context, pipeline, job string, p *Policy) bool

// Policy holds the dispatch gate settings of a run.
//
//   - Mode controls the high-level behaviour (ask / auto / deny).
//   - AllowList and BlockList filter jobs regardless of Mode; entries match
//     "pipeline/job" or just "job", case-insensitively.
//   - ProtectedBranches lists branches whose runs require Mode!=deny jobs to
//     pass the list filters even in auto mode.
//
// A nil *Policy dispatches everything.
type Policy struct {
	Mode              string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	AllowList         []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	BlockList         []string `json:"block,omitempty" yaml:"block,omitempty"`
	ProtectedBranches []string `json:"protectedBranches,omitempty" yaml:"protectedBranches,omitempty"`
	Ask               AskFunc  `json:"-" yaml:"-"`
}

// IsAllowed evaluates the allow and block lists for a job. BlockList has
// priority; an empty AllowList allows everything.
func (p *Policy) IsAllowed(pipeline, job string) bool {
	if p == nil {
		return true
	}
	qualified := strings.ToLower(pipeline + "/" + job)
	short := strings.ToLower(job)

	for _, b := range p.BlockList {
		if entry := strings.ToLower(b); entry == qualified || entry == short {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, a := range p.AllowList {
		if entry := strings.ToLower(a); entry == qualified || entry == short {
			return true
		}
	}
	return false
}

// IsProtected reports whether the branch is under protection.
func (p *Policy) IsProtected(branch string) bool {
	if p == nil {
		return false
	}
	for _, candidate := range p.ProtectedBranches {
		if strings.EqualFold(candidate, branch) {
			return true
		}
	}
	return false
}

// Admits decides whether the scheduler may dispatch a job of a run on the
// given branch.
func (p *Policy) Admits(ctx context.Context, pipeline, job, branch string) bool {
	if p == nil {
		return true
	}
	switch p.Mode {
	case ModeDeny:
		return false
	case ModeAsk:
		if !p.IsAllowed(pipeline, job) {
			return false
		}
		if p.Ask == nil {
			return false
		}
		return p.Ask(ctx, pipeline, job, p)
	default:
		if p.IsProtected(branch) || len(p.AllowList) > 0 || len(p.BlockList) > 0 {
			return p.IsAllowed(pipeline, job)
		}
		return true
	}
}

type ctxKeyT struct{}

var ctxKey ctxKeyT

// WithPolicy embeds the policy in ctx.
func WithPolicy(ctx context.Context, p *Policy) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey, p)
}

// FromContext extracts the policy, nil when absent.
func FromContext(ctx context.Context) *Policy {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxKey).(*Policy); ok {
		return v
	}
	return nil
}
