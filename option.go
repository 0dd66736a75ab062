package conveyor

import (
	"github.com/rs/zerolog"
	"github.com/viant/afs/storage"
	"github.com/viant/x"

	"github.com/conveyor-ci/conveyor/model/types"
	"github.com/conveyor-ci/conveyor/policy"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
	"github.com/conveyor-ci/conveyor/service/event"
	"github.com/conveyor-ci/conveyor/service/executor"
	"github.com/conveyor-ci/conveyor/service/messaging"
	"github.com/conveyor-ci/conveyor/service/scheduler"
	"github.com/conveyor-ci/conveyor/tracing"
)

// Option customises the engine service.
type Option func(*Service)

// WithConfig replaces the whole configuration.
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithLogger sets the root logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithExtensionTypes registers action payload types.
func WithExtensionTypes(extensionTypes ...*x.Type) Option {
	return func(s *Service) {
		s.extensionTypes = extensionTypes
	}
}

// WithExtensionServices registers additional action services available to
// uses steps.
func WithExtensionServices(services ...types.Service) Option {
	return func(s *Service) {
		s.extensionServices = services
	}
}

// WithQueue replaces the dispatch queue.
func WithQueue(queue messaging.Queue[scheduler.Dispatch]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithRunDAO replaces the run store.
func WithRunDAO(runDao dao.Service[string, execution.Run]) Option {
	return func(s *Service) {
		s.runtime.runDao = runDao
	}
}

// WithEventService attaches a lifecycle event service.
func WithEventService(events *event.Service) Option {
	return func(s *Service) {
		s.events = events
	}
}

// WithPolicy installs a dispatch policy gate.
func WithPolicy(p *policy.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithExecutorOptions passes extra options to the step executor (e.g. a step
// completion listener).
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Service) {
		s.executorOptions = append(s.executorOptions, opts...)
	}
}

// WithPipelineFsOptions sets storage options used to load pipeline
// definitions, e.g. an embedded file system.
func WithPipelineFsOptions(options ...storage.Option) Option {
	return func(s *Service) {
		s.pipelineFsOptions = options
	}
}

// WithTracing configures OpenTelemetry tracing; with an empty outputFile the
// stdout exporter is used. The first successful initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}
