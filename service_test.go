package conveyor_test

import (
	"context"
	"embed"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "github.com/viant/afs/embed"

	"github.com/conveyor-ci/conveyor"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/runtime/execution"
)

//go:embed testdata/*
var embedFS embed.FS

func newTestService() *conveyor.Service {
	config := conveyor.DefaultConfig()
	config.PipelinesBaseURL = "embed:///testdata"
	config.Scheduler.PollingInterval = 10 * time.Millisecond
	return conveyor.New(
		conveyor.WithConfig(config),
		conveyor.WithPipelineFsOptions(&embedFS),
	)
}

func startRuntime(t *testing.T, srv *conveyor.Service) *conveyor.Runtime {
	t.Helper()
	rt := srv.Runtime()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = rt.Start(ctx) }()
	t.Cleanup(cancel)
	return rt
}

func TestService_RunPipeline(t *testing.T) {
	srv := newTestService()
	rt := startRuntime(t, srv)
	ctx := context.Background()

	definition, err := rt.LoadPipeline(ctx, "ci")
	require.NoError(t, err)
	require.NotNil(t, definition)
	assert.Equal(t, "ci", definition.Name)

	event := &trigger.Event{Kind: trigger.Push, Branch: "main", Commit: "abc123"}
	run, wait, err := rt.StartPipelineRun(ctx, definition, event)
	require.NoError(t, err)
	require.NotNil(t, run)

	final, err := wait(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, execution.StateSucceeded, final.State)

	// lint + two test variants + examples
	require.Equal(t, 4, len(final.Jobs))

	lint := final.VariantsOf("lint")[0]
	assert.Equal(t, execution.StateSucceeded, lint.State)
	// the docs step fails but is marked continue-on-error
	assert.Equal(t, execution.StateFailed, lint.Steps[1].State)
	assert.True(t, lint.Steps[1].Suppressed)

	for _, variant := range final.VariantsOf("test") {
		assert.Equal(t, execution.StateSucceeded, variant.State)
		assert.NotEmpty(t, variant.Outputs["install"])
	}

	examples := final.VariantsOf("examples")[0]
	assert.Equal(t, execution.StateSucceeded, examples.State)
	assert.Contains(t, examples.Steps[0].Stdout, "smoke")
}

func TestService_TriggerMatchesBranches(t *testing.T) {
	srv := newTestService()
	rt := startRuntime(t, srv)
	ctx := context.Background()

	_, err := rt.LoadPipeline(ctx, "ci")
	require.NoError(t, err)

	runs, err := rt.Trigger(ctx, &trigger.Event{Kind: trigger.Push, Branch: "feature/x"})
	require.NoError(t, err)
	assert.Empty(t, runs)

	runs, err = rt.Trigger(ctx, &trigger.Event{Kind: trigger.Push, Branch: "main"})
	require.NoError(t, err)
	require.Equal(t, 1, len(runs))

	final, err := rt.WaitForRun(ctx, runs[0].ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, execution.StateSucceeded, final.State)
}

func TestService_CallPipeline(t *testing.T) {
	srv := newTestService()
	rt := startRuntime(t, srv)
	ctx := context.Background()

	definition, err := rt.LoadPipeline(ctx, "caller")
	require.NoError(t, err)

	event := &trigger.Event{Kind: trigger.Push, Branch: "main"}
	_, wait, err := rt.StartPipelineRun(ctx, definition, event)
	require.NoError(t, err)

	final, err := wait(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, execution.StateSucceeded, final.State)

	callStep := final.VariantsOf("invoke")[0].Steps[0]
	require.NotNil(t, callStep.Output)
	assert.Equal(t, "succeeded", callStep.Output["state"])
	assert.NotEmpty(t, callStep.Output["runId"])

	// the callee run is persisted alongside the caller
	calleeID, _ := callStep.Output["runId"].(string)
	callee, err := rt.Run(ctx, calleeID)
	require.NoError(t, err)
	assert.Equal(t, "child", callee.PipelineName)
	assert.Equal(t, trigger.Call, callee.Event.Kind)
	assert.Equal(t, final.ID, callee.Event.CallerRunID)
	work := callee.VariantsOf("work")[0]
	assert.Contains(t, work.Outputs["greeting"], "hello from child")
}

func TestService_CancelRun(t *testing.T) {
	srv := newTestService()
	rt := startRuntime(t, srv)
	ctx := context.Background()

	definition, err := rt.DecodeYAMLPipeline([]byte(`
name: slow
jobs:
  nap:
    steps:
      - run: sleep 30
`))
	require.NoError(t, err)

	run, wait, err := rt.StartPipelineRun(ctx, definition, &trigger.Event{Kind: trigger.Push, Branch: "main"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		current, err := rt.Run(ctx, run.ID)
		return err == nil && current.State == execution.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, rt.CancelRun(ctx, run.ID))
	final, err := wait(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, final.State)
}
