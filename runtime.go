package conveyor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/progress"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/action/shell"
	"github.com/conveyor-ci/conveyor/service/dao"
	"github.com/conveyor-ci/conveyor/service/dao/pipeline"
	"github.com/conveyor-ci/conveyor/service/scheduler"
	"github.com/conveyor-ci/conveyor/service/watcher"
)

// Wait blocks until the run concludes or the timeout elapses, returning the
// final run record.
type Wait func(ctx context.Context, timeout time.Duration) (*execution.Run, error)

// Runtime is the running engine: it loads pipelines, starts runs for events
// and serves run state.
type Runtime struct {
	pipelines *pipeline.Service
	runDao    dao.Service[string, execution.Run]
	scheduler *scheduler.Service
	watcher   *watcher.Service
	shell     *shell.Service
	logger    zerolog.Logger

	watchDirs    []string
	locationsMux sync.Mutex
	locations    []string
}

// Start launches the scheduler and the pipeline watcher; it blocks until the
// context is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.watcher.Start(ctx, r.watchDirs...); err != nil {
		return err
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.scheduler.Start(ctx)
	})
	return group.Wait()
}

// Shutdown stops the scheduler and releases runner sessions.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.scheduler.Shutdown()
	r.watcher.Stop()
	return r.shell.Close(ctx)
}

// LoadPipeline loads (and caches) a pipeline definition, registering its
// location for event matching.
func (r *Runtime) LoadPipeline(ctx context.Context, location string) (*model.Pipeline, error) {
	definition, err := r.pipelines.Load(ctx, location)
	if err != nil {
		return nil, err
	}
	r.registerLocation(location)
	return definition, nil
}

// DecodeYAMLPipeline decodes a pipeline definition from YAML bytes.
func (r *Runtime) DecodeYAMLPipeline(data []byte) (*model.Pipeline, error) {
	return r.pipelines.DecodeYAML(data)
}

// RefreshPipeline discards the cached definition so the next load re-reads
// it; an empty location clears the whole cache.
func (r *Runtime) RefreshPipeline(location string) {
	r.pipelines.Refresh(location)
}

// UpsertDefinition parses the supplied YAML and caches it under the location;
// nil data falls back to a lazy refresh.
func (r *Runtime) UpsertDefinition(location string, data []byte) error {
	if data == nil {
		r.pipelines.Refresh(location)
		return nil
	}
	definition, err := r.pipelines.DecodeYAML(data)
	if err != nil {
		return fmt.Errorf("failed to decode pipeline YAML: %w", err)
	}
	if definition.Source == nil {
		definition.Source = &model.Source{URL: location}
	} else {
		definition.Source.URL = location
	}
	r.pipelines.Upsert(location, definition)
	r.registerLocation(location)
	return nil
}

// StartRun loads the pipeline at the location and starts a run for the
// event; the scheduler picks the run up asynchronously.
func (r *Runtime) StartRun(ctx context.Context, location string, event *trigger.Event) (*execution.Run, error) {
	definition, err := r.LoadPipeline(ctx, location)
	if err != nil {
		return nil, err
	}
	return r.scheduler.StartRun(ctx, definition, event)
}

// StartPipelineRun starts a run of an already constructed definition and
// returns a wait function for its conclusion.
func (r *Runtime) StartPipelineRun(ctx context.Context, definition *model.Pipeline, event *trigger.Event) (*execution.Run, Wait, error) {
	run, err := r.scheduler.StartRun(ctx, definition, event)
	if err != nil {
		return nil, nil, err
	}
	wait := func(ctx context.Context, timeout time.Duration) (*execution.Run, error) {
		return r.WaitForRun(ctx, run.ID, timeout)
	}
	return run, wait, nil
}

// Trigger starts a run of every registered pipeline whose trigger section
// matches the event.
func (r *Runtime) Trigger(ctx context.Context, event *trigger.Event) ([]*execution.Run, error) {
	var runs []*execution.Run
	for _, location := range r.registeredLocations() {
		definition, err := r.pipelines.Load(ctx, location)
		if err != nil {
			r.logger.Warn().Err(err).Str("location", location).Msg("failed to load pipeline")
			continue
		}
		if !definition.On.Matches(event) {
			continue
		}
		run, err := r.scheduler.StartRun(ctx, definition, event)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Run returns a run by id.
func (r *Runtime) Run(ctx context.Context, id string) (*execution.Run, error) {
	return r.runDao.Load(ctx, id)
}

// Runs lists runs, optionally filtered by state.
func (r *Runtime) Runs(ctx context.Context, states ...string) ([]*execution.Run, error) {
	if len(states) == 0 {
		return r.runDao.List(ctx)
	}
	return r.runDao.List(ctx, dao.NewParameter("State", states...))
}

// CancelRun cancels a run and its pending jobs.
func (r *Runtime) CancelRun(ctx context.Context, id string) error {
	return r.scheduler.CancelRun(ctx, id)
}

// Progress returns the live job counters of an active run, nil once the run
// concluded.
func (r *Runtime) Progress(runID string) *progress.Progress {
	return r.scheduler.Progress(runID)
}

// Pipelines lists the registered pipeline locations.
func (r *Runtime) Pipelines() []string {
	return r.registeredLocations()
}

// WaitForRun polls the run store until the run concludes or the timeout
// elapses.
func (r *Runtime) WaitForRun(ctx context.Context, id string, timeout time.Duration) (*execution.Run, error) {
	expiry := time.Now().Add(timeout)
	for {
		run, err := r.runDao.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.State.Terminal() {
			return run, nil
		}
		if timeout > 0 && time.Now().After(expiry) {
			return run, errors.New("timeout waiting for run conclusion")
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (r *Runtime) registerLocation(location string) {
	r.locationsMux.Lock()
	defer r.locationsMux.Unlock()
	for _, candidate := range r.locations {
		if candidate == location {
			return
		}
	}
	r.locations = append(r.locations, location)
}

func (r *Runtime) registeredLocations() []string {
	r.locationsMux.Lock()
	defer r.locationsMux.Unlock()
	return append([]string{}, r.locations...)
}
