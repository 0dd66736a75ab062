// Package scheduler owns the run lifecycle: it starts runs for trigger
// events, dispatches job runs whose dependencies concluded successfully to a
// worker pool, enforces fail-fast and max-parallel matrix semantics and
// derives the run conclusion once every job run is terminal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/policy"
	"github.com/conveyor-ci/conveyor/progress"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/runtime/expr"
	"github.com/conveyor-ci/conveyor/service/dao"
	"github.com/conveyor-ci/conveyor/service/event"
	"github.com/conveyor-ci/conveyor/service/executor"
	"github.com/conveyor-ci/conveyor/service/messaging"
	"github.com/conveyor-ci/conveyor/service/metrics"
)

// Dispatch is the unit of work published to the worker queue.
type Dispatch struct {
	RunID    string `json:"runId"`
	JobRunID string `json:"jobRunId"`
}

// Option customises the scheduler.
type Option func(*Service)

// WithPolicy installs a dispatch gate applied to every job.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithEvents attaches the lifecycle event service.
func WithEvents(events *event.Service) Option {
	return func(s *Service) {
		s.events = events
	}
}

// Service schedules job runs onto the worker pool.
type Service struct {
	config   Config
	runDao   dao.Service[string, execution.Run]
	queue    messaging.Queue[Dispatch]
	executor executor.Service
	events   *event.Service
	policy   *policy.Policy
	logger   zerolog.Logger

	trackers   map[string]*progress.Progress
	trackerMux sync.Mutex

	runLocks sync.Map // run id -> *sync.Mutex

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a scheduler over the supplied run store, queue and executor.
func New(config Config, runDao dao.Service[string, execution.Run], queue messaging.Queue[Dispatch], exec executor.Service, logger zerolog.Logger, opts ...Option) *Service {
	config.Init()
	s := &Service{
		config:     config,
		runDao:     runDao,
		queue:      queue,
		executor:   exec,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		trackers:   make(map[string]*progress.Progress),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartRun creates and persists a queued run for the pipeline and event; the
// dispatch loop picks it up.
func (s *Service) StartRun(ctx context.Context, pipeline *model.Pipeline, evt *trigger.Event) (*execution.Run, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if issues := pipeline.Validate(); len(issues) > 0 {
		return nil, issues[0]
	}
	run := execution.NewRun(pipeline, evt)
	if err := s.runDao.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}
	metrics.ActiveRuns.Inc()
	if evt != nil {
		metrics.RecordEvent(string(evt.Kind))
	}
	_, tracker := progress.WithNewTracker(ctx, run.ID, pipeline.Name, nil)
	tracker.Update(progress.Delta{Total: len(run.Jobs), Pending: len(run.Jobs)})
	s.trackerMux.Lock()
	s.trackers[run.ID] = tracker
	s.trackerMux.Unlock()

	s.publishRunEvent(ctx, event.TypeRunQueued, run)
	s.logger.Info().Str("run", run.ID).Str("pipeline", pipeline.Name).
		Int("jobs", len(run.Jobs)).Msg("run queued")
	return run, nil
}

// Progress returns the live counters of an active run, nil once evicted.
func (s *Service) Progress(runID string) *progress.Progress {
	s.trackerMux.Lock()
	defer s.trackerMux.Unlock()
	return s.trackers[runID]
}

// CancelRun cancels a run and all its pending job runs.
func (s *Service) CancelRun(ctx context.Context, runID string) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()
	run, err := s.runDao.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s already concluded", runID)
	}
	for _, jobRun := range run.Jobs {
		if !jobRun.State.Terminal() {
			jobRun.Cancel()
		}
	}
	s.finalize(ctx, run)
	return s.runDao.Save(ctx, run)
}

// Start launches the dispatch loop and the worker pool; it blocks until the
// context is cancelled or Shutdown is called.
func (s *Service) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.dispatchLoop(ctx)
	})
	for i := 0; i < s.config.WorkerCount; i++ {
		id := i
		group.Go(func() error {
			return s.work(ctx, id)
		})
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown stops the dispatch loop and workers.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

func (s *Service) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.shutdownCh:
			return nil
		case <-ticker.C:
			if err := s.dispatchRuns(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("dispatch pass failed")
			}
			metrics.QueueDepth.Set(float64(s.queue.Size()))
		}
	}
}

// dispatchRuns advances every non-terminal run.
func (s *Service) dispatchRuns(ctx context.Context) error {
	runs, err := s.runDao.List(ctx, dao.NewParameter("State",
		string(execution.StateQueued), string(execution.StateRunning)))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	for _, run := range runs {
		if err := s.dispatchRun(ctx, run.ID); err != nil {
			s.logger.Warn().Err(err).Str("run", run.ID).Msg("failed to dispatch run")
		}
	}
	return nil
}

func (s *Service) dispatchRun(ctx context.Context, runID string) error {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	// reload under the lock so decisions taken since the listing (a worker
	// conclusion, a cancellation) are never overwritten by a stale save
	run, err := s.runDao.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return nil
	}

	if run.State == execution.StateQueued {
		now := time.Now()
		run.State = execution.StateRunning
		run.StartedAt = &now
		s.publishRunEvent(ctx, event.TypeRunStarted, run)
	}

	s.applyFailFast(ctx, run)

	var dispatched []*execution.JobRun
	for _, jobRun := range run.Jobs {
		if jobRun.State != execution.StateQueued {
			continue
		}
		job := run.Pipeline.Job(jobRun.JobID)
		if job == nil {
			jobRun.Skip(execution.SkipReasonCondition)
			continue
		}

		ready, skipReason := s.needsReady(run, job.Needs)
		if skipReason != "" {
			s.skipJob(ctx, run, jobRun, skipReason)
			continue
		}
		if !ready {
			continue
		}
		if !s.jobConditionHolds(run, jobRun, job.When) {
			s.skipJob(ctx, run, jobRun, execution.SkipReasonCondition)
			continue
		}
		branch := ""
		if run.Event != nil {
			branch = run.Event.Branch
		}
		gate := s.policy
		if override := policy.FromContext(ctx); override != nil {
			gate = override
		}
		if !gate.Admits(ctx, run.PipelineName, job.ID, branch) {
			s.skipJob(ctx, run, jobRun, execution.SkipReasonPolicy)
			continue
		}
		if job.Strategy != nil && job.Strategy.MaxParallel > 0 {
			if s.activeVariants(run, jobRun.JobID) >= job.Strategy.MaxParallel {
				continue
			}
		}
		jobRun.State = execution.StateScheduled
		dispatched = append(dispatched, jobRun)
	}

	if run.Terminal() {
		s.finalize(ctx, run)
	}
	if err := s.runDao.Save(ctx, run); err != nil {
		return err
	}
	for _, jobRun := range dispatched {
		s.trackerFor(run.ID).Update(progress.Delta{Pending: -1, Running: 1})
		s.publishJobEvent(ctx, event.TypeJobScheduled, run, jobRun)
		if err := s.queue.Publish(ctx, &Dispatch{RunID: run.ID, JobRunID: jobRun.ID}); err != nil {
			return fmt.Errorf("failed to publish dispatch: %w", err)
		}
	}
	return nil
}

// applyFailFast cancels queued sibling variants of any failed matrix job
// whose strategy keeps the default fail-fast behaviour.
func (s *Service) applyFailFast(ctx context.Context, run *execution.Run) {
	for _, jobRun := range run.Jobs {
		if jobRun.State != execution.StateFailed {
			continue
		}
		job := run.Pipeline.Job(jobRun.JobID)
		if job == nil || job.Strategy == nil || !job.Strategy.IsFailFast() {
			continue
		}
		for _, sibling := range run.VariantsOf(jobRun.JobID) {
			if sibling.State == execution.StateQueued {
				sibling.Cancel()
				s.trackerFor(run.ID).Update(progress.Delta{Pending: -1, Skipped: 1})
				s.publishJobEvent(ctx, event.TypeJobSkipped, run, sibling)
			}
		}
	}
}

// needsReady inspects the dependencies of a job. It returns ready=true when
// every dependency variant succeeded, or a skip reason when a dependency
// concluded in a state that prevents this job from ever running.
func (s *Service) needsReady(run *execution.Run, needs []string) (bool, string) {
	for _, needed := range needs {
		variants := run.VariantsOf(needed)
		if len(variants) == 0 {
			return false, execution.SkipReasonNeeds
		}
		for _, dependency := range variants {
			switch dependency.State {
			case execution.StateSucceeded:
			case execution.StateFailed, execution.StateCancelled:
				return false, execution.SkipReasonNeeds
			case execution.StateSkipped:
				if dependency.SkipReason == execution.SkipReasonNeeds {
					return false, execution.SkipReasonNeeds
				}
				// a dependency skipped by condition or policy propagates a
				// non-failing skip
				return false, execution.SkipReasonCondition
			default:
				return false, ""
			}
		}
	}
	return true, ""
}

// jobConditionHolds evaluates the job-level when clause against the event and
// matrix scope.
func (s *Service) jobConditionHolds(run *execution.Run, jobRun *execution.JobRun, condition string) bool {
	if strings.TrimSpace(condition) == "" {
		return true
	}
	scope := &expr.Scope{Matrix: jobRun.Variant}
	if run.Event != nil {
		scope.Event = run.Event.Scope()
	}
	expanded := strings.TrimSpace(expr.ExpandString(condition, scope))
	switch strings.ToLower(expanded) {
	case "", "false", "0":
		return false
	case "true", "1":
		return true
	}
	return expr.EvaluateCondition(expanded, false)
}

func (s *Service) activeVariants(run *execution.Run, jobID string) int {
	active := 0
	for _, variant := range run.VariantsOf(jobID) {
		switch variant.State {
		case execution.StateScheduled, execution.StateRunning:
			active++
		}
	}
	return active
}

func (s *Service) skipJob(ctx context.Context, run *execution.Run, jobRun *execution.JobRun, reason string) {
	jobRun.Skip(reason)
	s.trackerFor(run.ID).Update(progress.Delta{Pending: -1, Skipped: 1})
	metrics.RecordJob(string(execution.StateSkipped))
	s.publishJobEvent(ctx, event.TypeJobSkipped, run, jobRun)
}

// finalize derives and records the run conclusion.
func (s *Service) finalize(ctx context.Context, run *execution.Run) {
	if run.State.Terminal() {
		return
	}
	now := time.Now()
	run.State = run.Conclude()
	run.FinishedAt = &now
	metrics.ActiveRuns.Dec()
	duration := time.Duration(0)
	if run.StartedAt != nil {
		duration = now.Sub(*run.StartedAt)
	}
	metrics.RecordRun(string(run.State), duration)
	s.publishRunEvent(ctx, event.TypeRunFinished, run)
	s.trackerMux.Lock()
	delete(s.trackers, run.ID)
	s.trackerMux.Unlock()
	s.logger.Info().Str("run", run.ID).Str("conclusion", string(run.State)).
		Dur("duration", duration).Msg("run concluded")
}

// work consumes dispatch messages until the context is cancelled.
func (s *Service) work(ctx context.Context, id int) error {
	for {
		select {
		case <-s.shutdownCh:
			return nil
		default:
		}
		msg, err := s.queue.Consume(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if msg == nil {
			continue
		}
		if err := s.processDispatch(ctx, msg); err != nil {
			s.logger.Warn().Err(err).Int("worker", id).Msg("failed to process dispatch")
		}
	}
}

// processDispatch executes a single job run. The executor works on a detached
// copy of the run; its result is merged back under the run lock so the
// dispatch loop never observes a half-mutated record.
func (s *Service) processDispatch(ctx context.Context, msg messaging.Message[Dispatch]) error {
	dispatch := msg.T()
	lock := s.runLock(dispatch.RunID)

	lock.Lock()
	run, err := s.runDao.Load(ctx, dispatch.RunID)
	if err != nil {
		lock.Unlock()
		return msg.Nack(err)
	}
	jobRun := run.JobRun(dispatch.JobRunID)
	if jobRun == nil {
		lock.Unlock()
		return msg.Nack(fmt.Errorf("job run %s not found in run %s", dispatch.JobRunID, dispatch.RunID))
	}
	if jobRun.State != execution.StateScheduled {
		// cancelled between dispatch and pickup
		lock.Unlock()
		return msg.Ack()
	}
	jobRun.Start()
	detached := run.Detach()
	if err := s.runDao.Save(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("run", run.ID).Msg("failed to record job start")
	}
	lock.Unlock()

	workJob := detached.JobRun(dispatch.JobRunID)
	s.publishJobEvent(ctx, event.TypeJobStarted, detached, workJob)
	execErr := s.executor.Execute(ctx, detached, workJob)

	lock.Lock()
	if execErr != nil && !workJob.State.Terminal() {
		workJob.Error = execErr.Error()
		workJob.Finish()
	}
	run, err = s.runDao.Load(ctx, dispatch.RunID)
	if err != nil {
		lock.Unlock()
		return msg.Nack(err)
	}
	jobRun = run.JobRun(dispatch.JobRunID)
	if jobRun == nil {
		lock.Unlock()
		return msg.Nack(fmt.Errorf("job run %s vanished from run %s", dispatch.JobRunID, dispatch.RunID))
	}
	if !jobRun.State.Terminal() {
		jobRun.CopyFrom(workJob)
	}
	metrics.RecordJob(string(jobRun.State))
	delta := progress.Delta{Running: -1}
	switch jobRun.State {
	case execution.StateFailed:
		delta.Failed = 1
	case execution.StateSucceeded:
		delta.Completed = 1
	default:
		delta.Skipped = 1
	}
	s.trackerFor(run.ID).Update(delta)
	saveErr := s.runDao.Save(ctx, run)
	lock.Unlock()

	s.publishJobEvent(ctx, event.TypeJobFinished, run, jobRun)
	if saveErr != nil {
		return msg.Nack(saveErr)
	}
	return msg.Ack()
}

func (s *Service) runLock(runID string) *sync.Mutex {
	lock, _ := s.runLocks.LoadOrStore(runID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Service) trackerFor(runID string) *progress.Progress {
	s.trackerMux.Lock()
	defer s.trackerMux.Unlock()
	return s.trackers[runID]
}

func (s *Service) publishRunEvent(ctx context.Context, eventType string, run *execution.Run) {
	if s.events == nil {
		return
	}
	publisher, err := event.PublisherOf[*execution.Run](s.events)
	if err != nil {
		return
	}
	eCtx := &event.Context{RunID: run.ID, EventType: eventType, Pipeline: run.PipelineName}
	if err := publisher.Publish(ctx, event.NewEvent(eCtx, run)); err != nil {
		s.logger.Debug().Err(err).Str("type", eventType).Msg("failed to publish run event")
	}
}

func (s *Service) publishJobEvent(ctx context.Context, eventType string, run *execution.Run, jobRun *execution.JobRun) {
	if s.events == nil {
		return
	}
	publisher, err := event.PublisherOf[*execution.JobRun](s.events)
	if err != nil {
		return
	}
	eCtx := &event.Context{
		RunID:     run.ID,
		JobRunID:  jobRun.ID,
		EventType: eventType,
		Pipeline:  run.PipelineName,
	}
	if err := publisher.Publish(ctx, event.NewEvent(eCtx, jobRun)); err != nil {
		s.logger.Debug().Err(err).Str("type", eventType).Msg("failed to publish job event")
	}
}
