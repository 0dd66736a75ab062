package conveyor

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/viant/afs/storage"
	"github.com/viant/x"

	"github.com/conveyor-ci/conveyor/extension"
	"github.com/conveyor-ci/conveyor/model/types"
	"github.com/conveyor-ci/conveyor/policy"
	"github.com/conveyor-ci/conveyor/service/action/artifact"
	"github.com/conveyor-ci/conveyor/service/action/cache"
	apipeline "github.com/conveyor-ci/conveyor/service/action/pipeline"
	"github.com/conveyor-ci/conveyor/service/action/shell"
	"github.com/conveyor-ci/conveyor/service/dao/pipeline"
	rfs "github.com/conveyor-ci/conveyor/service/dao/run/fs"
	rmemory "github.com/conveyor-ci/conveyor/service/dao/run/memory"
	"github.com/conveyor-ci/conveyor/service/event"
	"github.com/conveyor-ci/conveyor/service/executor"
	"github.com/conveyor-ci/conveyor/service/messaging"
	mmemory "github.com/conveyor-ci/conveyor/service/messaging/memory"
	"github.com/conveyor-ci/conveyor/service/scheduler"
	"github.com/conveyor-ci/conveyor/service/secrets"
	"github.com/conveyor-ci/conveyor/service/watcher"
)

// Service assembles the pipeline engine: pipeline store, action registry,
// executor, scheduler and watcher.
type Service struct {
	config  Config
	runtime *Runtime
	logger  zerolog.Logger

	actions *extension.Actions
	shell   *shell.Service
	events  *event.Service
	policy  *policy.Policy
	queue   messaging.Queue[scheduler.Dispatch]

	extensionTypes    []*x.Type
	extensionServices []types.Service
	executorOptions   []executor.Option
	pipelineFsOptions []storage.Option
}

// New creates the engine service.
func New(options ...Option) *Service {
	ret := &Service{
		config:  DefaultConfig(),
		runtime: &Runtime{},
		logger:  zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	ret.init(options)
	return ret
}

func (s *Service) init(options []Option) {
	for _, option := range options {
		option(s)
	}
	s.ensureBaseSetup()

	s.actions = extension.NewActions()
	for i := range s.extensionTypes {
		s.actions.Types().Register(s.extensionTypes[i])
	}

	s.shell = shell.New()
	s.actions.Register(s.shell)
	s.actions.Register(cache.New(s.config.CacheBaseURL))
	s.actions.Register(artifact.New(s.config.ArtifactBaseURL))
	for _, service := range s.extensionServices {
		s.actions.Register(service)
	}

	executorOptions := append([]executor.Option{
		executor.WithSecrets(secrets.New()),
	}, s.executorOptions...)
	exec := executor.New(s.actions, s.shell, s.logger, executorOptions...)

	schedulerOptions := []scheduler.Option{scheduler.WithEvents(s.events)}
	if s.policy != nil {
		schedulerOptions = append(schedulerOptions, scheduler.WithPolicy(s.policy))
	}
	s.runtime.scheduler = scheduler.New(s.config.Scheduler, s.runtime.runDao, s.queue, exec, s.logger, schedulerOptions...)
	s.runtime.watcher = watcher.New(s.runtime.pipelines, s.logger)
	s.runtime.watchDirs = s.config.WatchDirs
	s.runtime.logger = s.logger
	s.runtime.shell = s.shell

	// register the call action last, it needs the runtime as starter
	s.actions.Register(apipeline.New(s.runtime, s.runtime.runDao))
}

func (s *Service) ensureBaseSetup() {
	if s.runtime.pipelines == nil {
		pipelineOptions := []pipeline.Option{}
		if s.config.PipelinesBaseURL != "" {
			pipelineOptions = append(pipelineOptions, pipeline.WithBaseURL(s.config.PipelinesBaseURL))
		}
		if len(s.pipelineFsOptions) > 0 {
			pipelineOptions = append(pipelineOptions, pipeline.WithFsOptions(s.pipelineFsOptions...))
		}
		s.runtime.pipelines = pipeline.New(pipelineOptions...)
	}
	if s.runtime.runDao == nil {
		if s.config.RunStoreURL != "" {
			s.runtime.runDao = rfs.New(s.config.RunStoreURL)
		} else {
			s.runtime.runDao = rmemory.New()
		}
	}
	if s.queue == nil {
		s.queue = mmemory.NewQueue[scheduler.Dispatch](mmemory.DefaultConfig())
	}
	if s.events == nil {
		s.events, _ = event.New(messaging.VendorMemory)
	}
}

// Runtime returns the engine runtime.
func (s *Service) Runtime() *Runtime {
	return s.runtime
}

// Events returns the lifecycle event service.
func (s *Service) Events() *event.Service {
	return s.events
}

// RegisterExtensionTypes registers action payload types after construction.
func (s *Service) RegisterExtensionTypes(extensionTypes ...*x.Type) {
	for i := range extensionTypes {
		s.actions.Types().Register(extensionTypes[i])
	}
}

// RegisterExtensionServices registers action services after construction.
func (s *Service) RegisterExtensionServices(services ...types.Service) {
	for i := range services {
		s.actions.Register(services[i])
	}
}
