package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_IsAllowed(t *testing.T) {
	testCases := []struct {
		name     string
		policy   *Policy
		pipeline string
		job      string
		expect   bool
	}{
		{
			name:   "nil policy allows everything",
			policy: nil, pipeline: "ci", job: "deploy", expect: true,
		},
		{
			name:   "empty lists allow everything",
			policy: &Policy{}, pipeline: "ci", job: "deploy", expect: true,
		},
		{
			name:   "block by job name",
			policy: &Policy{BlockList: []string{"deploy"}}, pipeline: "ci", job: "deploy", expect: false,
		},
		{
			name:   "block by qualified name",
			policy: &Policy{BlockList: []string{"ci/deploy"}}, pipeline: "ci", job: "deploy", expect: false,
		},
		{
			name:   "block list is case insensitive",
			policy: &Policy{BlockList: []string{"Deploy"}}, pipeline: "ci", job: "deploy", expect: false,
		},
		{
			name:   "allow list restricts",
			policy: &Policy{AllowList: []string{"lint"}}, pipeline: "ci", job: "deploy", expect: false,
		},
		{
			name:   "allow list admits listed job",
			policy: &Policy{AllowList: []string{"lint"}}, pipeline: "ci", job: "lint", expect: true,
		},
		{
			name:   "block wins over allow",
			policy: &Policy{AllowList: []string{"deploy"}, BlockList: []string{"deploy"}}, pipeline: "ci", job: "deploy", expect: false,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, tc.policy.IsAllowed(tc.pipeline, tc.job))
		})
	}
}

func TestPolicy_Admits(t *testing.T) {
	ctx := context.Background()

	t.Run("nil policy admits", func(t *testing.T) {
		assert.True(t, (*Policy)(nil).Admits(ctx, "ci", "deploy", "main"))
	})

	t.Run("deny mode blocks everything", func(t *testing.T) {
		p := &Policy{Mode: ModeDeny}
		assert.False(t, p.Admits(ctx, "ci", "lint", "main"))
	})

	t.Run("auto mode without lists admits", func(t *testing.T) {
		p := &Policy{Mode: ModeAuto}
		assert.True(t, p.Admits(ctx, "ci", "deploy", "main"))
	})

	t.Run("auto mode applies lists on protected branch", func(t *testing.T) {
		p := &Policy{Mode: ModeAuto, BlockList: []string{"deploy"}, ProtectedBranches: []string{"main"}}
		assert.False(t, p.Admits(ctx, "ci", "deploy", "main"))
		assert.True(t, p.Admits(ctx, "ci", "lint", "main"))
	})

	t.Run("ask mode without callback blocks", func(t *testing.T) {
		p := &Policy{Mode: ModeAsk}
		assert.False(t, p.Admits(ctx, "ci", "deploy", "main"))
	})

	t.Run("ask mode delegates to callback", func(t *testing.T) {
		asked := 0
		p := &Policy{Mode: ModeAsk, Ask: func(ctx context.Context, pipeline, job string, p *Policy) bool {
			asked++
			return job == "lint"
		}}
		assert.True(t, p.Admits(ctx, "ci", "lint", "main"))
		assert.False(t, p.Admits(ctx, "ci", "deploy", "main"))
		assert.Equal(t, 2, asked)
	})

	t.Run("ask mode still honours block list", func(t *testing.T) {
		p := &Policy{Mode: ModeAsk, BlockList: []string{"deploy"}, Ask: func(context.Context, string, string, *Policy) bool {
			return true
		}}
		assert.False(t, p.Admits(ctx, "ci", "deploy", "main"))
	})
}

func TestPolicy_Context(t *testing.T) {
	p := &Policy{Mode: ModeDeny}
	ctx := WithPolicy(context.Background(), p)
	assert.Same(t, p, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
