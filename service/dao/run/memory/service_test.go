package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
)

func newTestRun(t *testing.T) *execution.Run {
	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("lint").WithStep("style", "make lint")
	run := execution.NewRun(pipeline, &trigger.Event{Kind: trigger.Push, Branch: "main"})
	require.NotEmpty(t, run.ID)
	return run
}

func TestService_SaveLoad(t *testing.T) {
	srv := New()
	ctx := context.Background()
	run := newTestRun(t)

	require.NoError(t, srv.Save(ctx, run))

	loaded, err := srv.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Same(t, run, loaded)

	// saving a detached copy updates the stored pointer in place
	updated := *run
	updated.State = execution.StateRunning
	require.NoError(t, srv.Save(ctx, &updated))

	assert.Equal(t, execution.StateRunning, loaded.State)
	reloaded, err := srv.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Same(t, loaded, reloaded)
}

func TestService_SaveValidation(t *testing.T) {
	srv := New()
	ctx := context.Background()
	assert.ErrorIs(t, srv.Save(ctx, nil), dao.ErrNilEntity)
	assert.ErrorIs(t, srv.Save(ctx, &execution.Run{}), dao.ErrInvalidID)
}

func TestService_LoadMissing(t *testing.T) {
	srv := New()
	_, err := srv.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, dao.ErrNotFound)
	_, err = srv.Load(context.Background(), "")
	assert.ErrorIs(t, err, dao.ErrInvalidID)
}

func TestService_Delete(t *testing.T) {
	srv := New()
	ctx := context.Background()
	run := newTestRun(t)
	require.NoError(t, srv.Save(ctx, run))
	require.NoError(t, srv.Delete(ctx, run.ID))
	assert.ErrorIs(t, srv.Delete(ctx, run.ID), dao.ErrNotFound)
}

func TestService_ListByState(t *testing.T) {
	srv := New()
	ctx := context.Background()

	queued := newTestRun(t)
	running := newTestRun(t)
	running.State = execution.StateRunning
	done := newTestRun(t)
	done.State = execution.StateSucceeded

	for _, run := range []*execution.Run{queued, running, done} {
		require.NoError(t, srv.Save(ctx, run))
	}

	all, err := srv.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, len(all))

	active, err := srv.List(ctx, dao.NewParameter("State", "queued", "running"))
	require.NoError(t, err)
	require.Equal(t, 2, len(active))
	for _, run := range active {
		assert.NotEqual(t, execution.StateSucceeded, run.State)
	}
}
