package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTriggers_Matches(t *testing.T) {
	onMain := &Triggers{
		Push:        &Filter{Branches: []string{"main"}},
		PullRequest: &Filter{Branches: []string{"main"}},
	}

	testCases := []struct {
		name     string
		triggers *Triggers
		event    *Event
		expect   bool
	}{
		{
			name:     "push to main",
			triggers: onMain,
			event:    &Event{Kind: Push, Branch: "main"},
			expect:   true,
		},
		{
			name:     "push to feature branch",
			triggers: onMain,
			event:    &Event{Kind: Push, Branch: "feature/x"},
			expect:   false,
		},
		{
			name:     "pull request targeting main",
			triggers: onMain,
			event:    &Event{Kind: PullRequest, Branch: "main", HeadBranch: "feature/x"},
			expect:   true,
		},
		{
			name:     "pull request targeting develop",
			triggers: onMain,
			event:    &Event{Kind: PullRequest, Branch: "develop"},
			expect:   false,
		},
		{
			name:     "call without call trigger",
			triggers: onMain,
			event:    &Event{Kind: Call},
			expect:   false,
		},
		{
			name:     "call with call trigger",
			triggers: &Triggers{Call: true},
			event:    &Event{Kind: Call},
			expect:   true,
		},
		{
			name:     "nil triggers never match",
			triggers: nil,
			event:    &Event{Kind: Push, Branch: "main"},
			expect:   false,
		},
		{
			name:     "empty filter matches any branch",
			triggers: &Triggers{Push: &Filter{}},
			event:    &Event{Kind: Push, Branch: "anything"},
			expect:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.triggers.Matches(tc.event))
		})
	}
}

func TestFilter_Matches(t *testing.T) {
	filter := &Filter{Branches: []string{"main", "release/*", "hotfix/**"}}
	assert.True(t, filter.Matches("main"))
	assert.True(t, filter.Matches("release/1.2"))
	assert.True(t, filter.Matches("hotfix/2024/critical"))
	assert.False(t, filter.Matches("release/1.2/rc1"))
	assert.False(t, filter.Matches("develop"))

	assert.True(t, (&Filter{Branches: []string{"**"}}).Matches("a/b/c"))
	assert.False(t, (*Filter)(nil).Matches("main"))
}

func TestEvent_Scope(t *testing.T) {
	event := &Event{Kind: Push, Repo: "git://repo", Branch: "main", Commit: "abc123"}
	scope := event.Scope()
	assert.Equal(t, "push", scope["kind"])
	assert.Equal(t, "main", scope["branch"])
	assert.Equal(t, "abc123", scope["commit"])
	assert.Empty(t, (*Event)(nil).Scope())
}
