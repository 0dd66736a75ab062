package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
	rmemory "github.com/conveyor-ci/conveyor/service/dao/run/memory"
)

// fakeStarter records the call event and answers with an already concluded
// run so Run does not block waiting.
type fakeStarter struct {
	runDao   dao.Service[string, execution.Run]
	location string
	event    *trigger.Event
}

func (f *fakeStarter) StartRun(ctx context.Context, location string, event *trigger.Event) (*execution.Run, error) {
	f.location = location
	f.event = event
	run := &execution.Run{ID: "callee-1", PipelineName: location, Event: event, State: execution.StateSucceeded}
	if err := f.runDao.Save(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func newTestService() (*Service, *fakeStarter) {
	runDao := rmemory.New()
	starter := &fakeStarter{runDao: runDao}
	return New(starter, runDao), starter
}

func TestService_Run_CallerWithoutEvent(t *testing.T) {
	srv, starter := newTestService()

	// a programmatically started run carries no trigger event
	caller := &execution.Run{ID: "caller-1"}
	ctx := execution.WithRun(context.Background(), caller)

	output := &RunOutput{}
	require.NoError(t, srv.Run(ctx, &RunInput{Location: "child"}, output))
	assert.Equal(t, "callee-1", output.RunID)
	assert.Equal(t, string(execution.StateSucceeded), output.State)

	require.NotNil(t, starter.event)
	assert.Equal(t, trigger.Call, starter.event.Kind)
	assert.Equal(t, "caller-1", starter.event.CallerRunID)
	assert.Empty(t, starter.event.Branch)
}

func TestService_Run_PropagatesCallerEvent(t *testing.T) {
	srv, starter := newTestService()

	caller := &execution.Run{
		ID:    "caller-2",
		Event: &trigger.Event{Kind: trigger.Push, Repo: "repo", Branch: "main", Commit: "abc123"},
	}
	ctx := execution.WithRun(context.Background(), caller)

	require.NoError(t, srv.Run(ctx, &RunInput{Location: "child"}, &RunOutput{}))
	require.NotNil(t, starter.event)
	assert.Equal(t, "repo", starter.event.Repo)
	assert.Equal(t, "main", starter.event.Branch)
	assert.Equal(t, "abc123", starter.event.Commit)
	assert.Equal(t, "caller-2", starter.event.CallerRunID)
}

func TestService_Run_DepthCap(t *testing.T) {
	srv, _ := newTestService()
	ctx := execution.WithCallDepth(context.Background(), MaxCallDepth)
	err := srv.Run(ctx, &RunInput{Location: "child"}, &RunOutput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depth")
}
