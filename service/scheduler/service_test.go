package scheduler

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/policy"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
	rfs "github.com/conveyor-ci/conveyor/service/dao/run/fs"
	rmemory "github.com/conveyor-ci/conveyor/service/dao/run/memory"
	mmemory "github.com/conveyor-ci/conveyor/service/messaging/memory"
)

// fakeExecutor concludes job runs without running any real step; job runs
// whose name matches failing are concluded failed.
type fakeExecutor struct {
	mu      sync.Mutex
	order   []string
	failing map[string]bool
	delay   time.Duration
}

func (e *fakeExecutor) Execute(_ context.Context, run *execution.Run, jobRun *execution.JobRun) error {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	e.order = append(e.order, jobRun.Name)
	failed := e.failing[jobRun.Name]
	e.mu.Unlock()

	jobRun.Start()
	for _, stepRun := range jobRun.Steps {
		if failed {
			stepRun.State = execution.StateFailed
			stepRun.ExitCode = 1
		} else {
			stepRun.State = execution.StateSucceeded
		}
	}
	jobRun.Finish()
	return nil
}

func (e *fakeExecutor) executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.order...)
}

type harness struct {
	scheduler *Service
	runDao    dao.Service[string, execution.Run]
	executor  *fakeExecutor
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, opts ...Option) *harness {
	executor := &fakeExecutor{failing: map[string]bool{}}
	runDao := rmemory.New()
	queue := mmemory.NewQueue[Dispatch](mmemory.DefaultConfig())
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	config := Config{PollingInterval: 5 * time.Millisecond, WorkerCount: 2}
	srv := New(config, runDao, queue, executor, logger, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(cancel)
	return &harness{scheduler: srv, runDao: runDao, executor: executor, cancel: cancel}
}

func (h *harness) awaitConclusion(t *testing.T, runID string) *execution.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.runDao.Load(context.Background(), runID)
		require.NoError(t, err)
		if run.State.Terminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not conclude in time", runID)
	return nil
}

func ciPipeline() *model.Pipeline {
	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("lint").WithStep("style", "make lint")
	test := pipeline.NewJob("test").WithNeeds("lint").
		WithMatrix("install", "minimal", "full")
	test.WithStep("unit", "make test")
	examples := pipeline.NewJob("examples").WithNeeds("lint", "test")
	examples.WithStep("smoke", "make examples")
	return pipeline
}

func pushEvent() *trigger.Event {
	return &trigger.Event{Kind: trigger.Push, Branch: "main"}
}

func TestService_StartRun_ValidatesPipeline(t *testing.T) {
	h := newHarness(t)
	_, err := h.scheduler.StartRun(context.Background(), model.NewPipeline("empty"), pushEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no jobs")
	_, err = h.scheduler.StartRun(context.Background(), nil, pushEvent())
	require.Error(t, err)
}

func TestService_RunRespectsNeedsOrder(t *testing.T) {
	h := newHarness(t)
	run, err := h.scheduler.StartRun(context.Background(), ciPipeline(), pushEvent())
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	assert.Equal(t, execution.StateSucceeded, final.State)
	require.NotNil(t, final.FinishedAt)

	order := h.executor.executed()
	require.Equal(t, 4, len(order))
	assert.Equal(t, "lint", order[0])
	assert.Equal(t, "examples", order[3])
}

func TestService_FailedDependencySkipsDependents(t *testing.T) {
	h := newHarness(t)
	h.executor.failing["lint"] = true

	run, err := h.scheduler.StartRun(context.Background(), ciPipeline(), pushEvent())
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	assert.Equal(t, execution.StateFailed, final.State)

	for _, jobRun := range final.VariantsOf("test") {
		assert.Equal(t, execution.StateSkipped, jobRun.State)
		assert.Equal(t, execution.SkipReasonNeeds, jobRun.SkipReason)
	}
	examples := final.VariantsOf("examples")[0]
	assert.Equal(t, execution.StateSkipped, examples.State)
	assert.Equal(t, execution.SkipReasonNeeds, examples.SkipReason)
	assert.Equal(t, []string{"lint"}, h.executor.executed())
}

func TestService_FailFastCancelsQueuedVariants(t *testing.T) {
	h := newHarness(t)

	pipeline := model.NewPipeline("ci")
	job := pipeline.NewJob("test").WithMatrix("install", "bad", "good1", "good2")
	job.Strategy.MaxParallel = 1
	job.WithStep("unit", "make test")
	h.executor.failing["test (install=bad)"] = true

	run, err := h.scheduler.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	assert.Equal(t, execution.StateFailed, final.State)

	states := map[execution.State]int{}
	for _, jobRun := range final.VariantsOf("test") {
		states[jobRun.State]++
	}
	assert.Equal(t, 1, states[execution.StateFailed])
	assert.Equal(t, 2, states[execution.StateCancelled])
}

func TestService_FailFastDisabledRunsAllVariants(t *testing.T) {
	h := newHarness(t)

	pipeline := model.NewPipeline("ci")
	disabled := false
	job := pipeline.NewJob("test").WithMatrix("install", "bad", "good1", "good2")
	job.Strategy.FailFast = &disabled
	job.WithStep("unit", "make test")
	h.executor.failing["test (install=bad)"] = true

	run, err := h.scheduler.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	assert.Equal(t, execution.StateFailed, final.State)
	assert.Equal(t, 3, len(h.executor.executed()))
}

func TestService_JobConditionSkips(t *testing.T) {
	h := newHarness(t)

	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("build").WithStep("compile", "make build")
	gated := pipeline.NewJob("deploy")
	gated.When = "${{ event.branch }}"
	gated.WithStep("ship", "make deploy")
	downstream := pipeline.NewJob("notify").WithNeeds("deploy")
	downstream.WithStep("ping", "make notify")

	event := &trigger.Event{Kind: trigger.Push, Branch: ""}
	run, err := h.scheduler.StartRun(context.Background(), pipeline, event)
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	// a job skipped by condition does not fail the run, and propagates a
	// non-failing skip to its dependents
	assert.Equal(t, execution.StateSucceeded, final.State)
	deploy := final.VariantsOf("deploy")[0]
	assert.Equal(t, execution.StateSkipped, deploy.State)
	assert.Equal(t, execution.SkipReasonCondition, deploy.SkipReason)
	notify := final.VariantsOf("notify")[0]
	assert.Equal(t, execution.StateSkipped, notify.State)
	assert.Equal(t, execution.SkipReasonCondition, notify.SkipReason)
}

func TestService_PolicySkipsBlockedJobs(t *testing.T) {
	gate := &policy.Policy{Mode: policy.ModeAuto, BlockList: []string{"deploy"}, ProtectedBranches: []string{"main"}}
	h := newHarness(t, WithPolicy(gate))

	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("build").WithStep("compile", "make build")
	pipeline.NewJob("deploy").WithStep("ship", "make deploy")

	run, err := h.scheduler.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	final := h.awaitConclusion(t, run.ID)
	assert.Equal(t, execution.StateSucceeded, final.State)
	deploy := final.VariantsOf("deploy")[0]
	assert.Equal(t, execution.StateSkipped, deploy.State)
	assert.Equal(t, execution.SkipReasonPolicy, deploy.SkipReason)
}

func TestService_CancelRun(t *testing.T) {
	h := newHarness(t)
	h.executor.delay = 50 * time.Millisecond

	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("slow").WithMatrix("n", 1, 2, 3, 4, 5, 6, 7, 8).
		WithStep("sleep", "sleep 1")

	run, err := h.scheduler.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.scheduler.CancelRun(context.Background(), run.ID))

	final := h.awaitConclusion(t, run.ID)
	assert.True(t, final.State == execution.StateCancelled || final.State == execution.StateSucceeded,
		"unexpected conclusion %v", final.State)

	err = h.scheduler.CancelRun(context.Background(), run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already concluded")
}

func TestService_ProgressTracking(t *testing.T) {
	h := newHarness(t)
	run, err := h.scheduler.StartRun(context.Background(), ciPipeline(), pushEvent())
	require.NoError(t, err)

	tracker := h.scheduler.Progress(run.ID)
	require.NotNil(t, tracker)
	snapshot := tracker.Snapshot()
	assert.Equal(t, 4, snapshot.TotalJobs)

	h.awaitConclusion(t, run.ID)
	// tracker is evicted once the run concludes
	assert.Eventually(t, func() bool {
		return h.scheduler.Progress(run.ID) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestService_CancelSurvivesWorkerMerge(t *testing.T) {
	h := newHarness(t)
	h.executor.delay = 100 * time.Millisecond

	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("slow").WithStep("sleep", "sleep 1")

	run, err := h.scheduler.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	// wait until a worker picked the job up
	require.Eventually(t, func() bool {
		current, err := h.runDao.Load(context.Background(), run.ID)
		return err == nil && current.VariantsOf("slow")[0].State == execution.StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.scheduler.CancelRun(context.Background(), run.ID))

	// the worker is still executing its detached copy; once it merges, the
	// cancellation must not be overwritten by the stale result
	time.Sleep(200 * time.Millisecond)
	final, err := h.runDao.Load(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, final.State)
	assert.Equal(t, execution.StateCancelled, final.VariantsOf("slow")[0].State)
}

func TestService_FsRunStoreKeepsDecisions(t *testing.T) {
	executor := &fakeExecutor{failing: map[string]bool{}, delay: 100 * time.Millisecond}
	runDao := rfs.New("file://" + t.TempDir())
	queue := mmemory.NewQueue[Dispatch](mmemory.DefaultConfig())
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	srv := New(Config{PollingInterval: 5 * time.Millisecond, WorkerCount: 2}, runDao, queue, executor, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Start(ctx) }()
	t.Cleanup(cancel)

	pipeline := model.NewPipeline("ci")
	pipeline.NewJob("slow").WithStep("sleep", "sleep 1")

	run, err := srv.StartRun(context.Background(), pipeline, pushEvent())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current, err := runDao.Load(context.Background(), run.ID)
		return err == nil && current.VariantsOf("slow")[0].State == execution.StateRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.CancelRun(context.Background(), run.ID))

	// the fs store hands out fresh copies per load; the worker concluding its
	// detached copy after the cancel must not revert the persisted decision
	time.Sleep(200 * time.Millisecond)
	final, err := runDao.Load(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StateCancelled, final.State)
	assert.Equal(t, execution.StateCancelled, final.VariantsOf("slow")[0].State)
}
