// Package executor runs the steps of a single job run: shell steps through the
// pooled shell sessions, action steps through the extension registry with
// typed, converted inputs. Step inputs and environments are expanded against
// the job scope before execution.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/viant/structology/conv"

	"github.com/conveyor-ci/conveyor/extension"
	"github.com/conveyor-ci/conveyor/internal/clock"
	"github.com/conveyor-ci/conveyor/model/graph"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/runtime/expr"
	"github.com/conveyor-ci/conveyor/service/action/shell"
	"github.com/conveyor-ci/conveyor/service/secrets"
	"github.com/conveyor-ci/conveyor/tracing"
)

// Listener is invoked once a step completes, successful or not.
// Implementations can log, collect metrics or stream output.
type Listener func(step *graph.Step, stepRun *execution.StepRun)

// Option customises the executor instance.
type Option func(*service)

// WithListener sets the step completion callback; nil disables it.
func WithListener(l Listener) Option {
	return func(s *service) {
		s.listener = l
	}
}

// WithSecrets sets the secret resolution service.
func WithSecrets(resolver *secrets.Service) Option {
	return func(s *service) {
		s.secrets = resolver
	}
}

// Service executes all steps of one job run and records their results.
type Service interface {
	Execute(ctx context.Context, run *execution.Run, jobRun *execution.JobRun) error
}

type service struct {
	actions   *extension.Actions
	shell     *shell.Service
	secrets   *secrets.Service
	converter *conv.Converter
	listener  Listener
	logger    zerolog.Logger
}

// New creates an executor backed by the supplied action registry.
func New(actions *extension.Actions, shellService *shell.Service, logger zerolog.Logger, opts ...Option) Service {
	options := conv.DefaultOptions()
	options.ClonePointerData = true
	options.IgnoreUnmapped = true
	options.AccessUnexported = true

	s := &service{
		actions:   actions,
		shell:     shellService,
		converter: conv.NewConverter(options),
		logger:    logger.With().Str("component", "executor").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs every step of the job run in declared order and derives the
// job conclusion from the step results.
func (s *service) Execute(ctx context.Context, run *execution.Run, jobRun *execution.JobRun) error {
	job := run.Pipeline.Job(jobRun.JobID)
	if job == nil {
		return fmt.Errorf("job %s not found in pipeline %s", jobRun.JobID, run.PipelineName)
	}
	ctx, span := tracing.StartSpan(ctx, "job."+jobRun.JobID)
	span.WithAttributes(map[string]string{"run": run.ID, "job": jobRun.Name})
	defer func() { tracing.EndSpan(span, nil) }()

	scope, masker, err := s.jobScope(ctx, run, jobRun, job)
	if err != nil {
		jobRun.Start()
		jobRun.Error = err.Error()
		failRemaining(jobRun)
		jobRun.Finish()
		return err
	}

	jobRun.Start()
	if s.shell != nil {
		defer func() { _ = s.shell.CloseSession(ctx, jobRun.ID) }()
	}
	for i, step := range job.Steps {
		if i >= len(jobRun.Steps) {
			break
		}
		stepRun := jobRun.Steps[i]

		condition := expr.ExpandString(step.When, scope)
		if !expr.EvaluateCondition(condition, jobRun.Failed()) {
			stepRun.State = execution.StateSkipped
			continue
		}

		s.runStep(ctx, run, jobRun, job, step, stepRun, scope, masker)

		if stepRun.State == execution.StateFailed && step.ContinueOnError {
			stepRun.Suppressed = true
		}
		if s.listener != nil {
			s.listener(step, stepRun)
		}
		scope.Steps[stepKey(step, i)] = stepScope(stepRun)
	}

	jobRun.Outputs = s.jobOutputs(job, scope)
	jobRun.Finish()
	return nil
}

// runStep executes one step and records its result on stepRun.
func (s *service) runStep(ctx context.Context, run *execution.Run, jobRun *execution.JobRun, job *graph.Job, step *graph.Step, stepRun *execution.StepRun, scope *expr.Scope, masker func(string) string) {
	started := clock.Now()
	stepRun.State = execution.StateRunning
	stepRun.StartedAt = &started

	timeout := stepTimeout(step, job)
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stepCtx = execution.WithRun(stepCtx, run)

	var err error
	if step.Run != "" {
		err = s.runShellStep(stepCtx, jobRun, job, step, stepRun, scope, timeout)
	} else {
		err = s.runActionStep(stepCtx, step, stepRun, scope)
	}

	finished := clock.Now()
	stepRun.FinishedAt = &finished
	stepRun.Stdout = masker(stepRun.Stdout)
	stepRun.Stderr = masker(stepRun.Stderr)

	if err != nil {
		stepRun.Error = masker(err.Error())
		stepRun.State = execution.StateFailed
		if stepRun.ExitCode == 0 {
			stepRun.ExitCode = 1
		}
		s.logger.Debug().Str("run", run.ID).Str("job", jobRun.Name).
			Str("step", stepRun.Name).Int("exitCode", stepRun.ExitCode).
			Msg("step failed")
		return
	}
	stepRun.State = execution.StateSucceeded
}

// runShellStep dispatches a run step to the shell action service. The job
// run id scopes the shell session so concurrent variants never share one.
func (s *service) runShellStep(ctx context.Context, jobRun *execution.JobRun, job *graph.Job, step *graph.Step, stepRun *execution.StepRun, scope *expr.Scope, timeout time.Duration) error {
	input := &shell.Input{
		Host:     &shell.Host{URL: job.RunsOn, Credentials: job.Credentials},
		Session:  jobRun.ID,
		Workdir:  expr.ExpandString(step.Workdir, scope),
		Env:      mergeEnv(scope.Env, expr.ExpandEnv(step.Env, scope)),
		Commands: commandLines(expr.ExpandString(step.Run, scope)),
	}
	if timeout > 0 {
		input.TimeoutMs = int(timeout.Milliseconds())
	}
	output := &shell.Output{}
	if err := s.shell.Execute(ctx, input, output); err != nil {
		return err
	}
	stepRun.Stdout = output.Stdout
	stepRun.Stderr = output.Stderr
	stepRun.ExitCode = output.Status
	if output.Status != 0 {
		return fmt.Errorf("command exited with status %d", output.Status)
	}
	return nil
}

// runActionStep dispatches a uses step to a registered action service.
func (s *service) runActionStep(ctx context.Context, step *graph.Step, stepRun *execution.StepRun, scope *expr.Scope) error {
	serviceName, methodName, found := strings.Cut(step.Uses, ":")
	if !found {
		return fmt.Errorf("invalid uses reference %q, expected service:method", step.Uses)
	}
	actionService := s.actions.Lookup(serviceName)
	if actionService == nil {
		return fmt.Errorf("service %v not found", serviceName)
	}
	method, err := actionService.Method(methodName)
	if err != nil {
		return fmt.Errorf("failed to find method %v for service %v: %w", methodName, serviceName, err)
	}
	signature := actionService.Methods().Lookup(methodName)
	if signature == nil {
		return fmt.Errorf("method %v not declared by service %v", methodName, serviceName)
	}

	input := newInstancePtr(signature.Input)
	with := expr.ExpandValue(step.With, scope)
	if with != nil {
		if err = s.converter.Convert(with, input); err != nil {
			return fmt.Errorf("failed to convert input for %s: %w", step.Uses, err)
		}
	}
	output := newInstancePtr(signature.Output)
	if err = method(ctx, input, output); err != nil {
		return err
	}
	stepRun.Output = asMap(output)
	return nil
}

// jobScope builds the expression scope visible to the job's steps.
func (s *service) jobScope(ctx context.Context, run *execution.Run, jobRun *execution.JobRun, job *graph.Job) (*expr.Scope, func(string) string, error) {
	scope := &expr.Scope{
		Matrix: jobRun.Variant,
		Event:  run.Event.Scope(),
		Needs:  needsScope(run, job),
		Steps:  map[string]interface{}{},
	}
	if s.secrets != nil && run.Pipeline != nil {
		values, err := s.secrets.Resolve(ctx, run.Pipeline.Secrets)
		if err != nil {
			return nil, nil, err
		}
		scope.Secrets = values
	}
	var pipelineEnv map[string]string
	if run.Pipeline != nil {
		pipelineEnv = run.Pipeline.Env
	}
	scope.Env = mergeEnv(expr.ExpandEnv(pipelineEnv, scope), expr.ExpandEnv(job.Env, scope))
	return scope, secrets.Masker(scope.Secrets), nil
}

// jobOutputs evaluates the job's declared outputs against the final scope.
func (s *service) jobOutputs(job *graph.Job, scope *expr.Scope) map[string]string {
	if len(job.Outputs) == 0 {
		return nil
	}
	outputs := make(map[string]string, len(job.Outputs))
	for name, expression := range job.Outputs {
		outputs[name] = expr.ExpandString(expression, scope)
	}
	return outputs
}

// needsScope collects the outputs and results of dependency jobs. Outputs of
// matrix variants of one dependency are merged in variant order.
func needsScope(run *execution.Run, job *graph.Job) map[string]interface{} {
	if len(job.Needs) == 0 {
		return map[string]interface{}{}
	}
	result := make(map[string]interface{}, len(job.Needs))
	for _, needed := range job.Needs {
		outputs := map[string]interface{}{}
		state := execution.StateSucceeded
		for _, dependency := range run.VariantsOf(needed) {
			for name, value := range dependency.Outputs {
				outputs[name] = value
			}
			if dependency.State != execution.StateSucceeded {
				state = dependency.State
			}
		}
		result[needed] = map[string]interface{}{
			"outputs": outputs,
			"result":  string(state),
		}
	}
	return result
}

// stepScope exposes a completed step to later steps of the same job
// (steps.<id>.output.<field>, steps.<id>.exitCode).
func stepScope(stepRun *execution.StepRun) map[string]interface{} {
	scope := map[string]interface{}{
		"result":   string(stepRun.State),
		"exitCode": stepRun.ExitCode,
		"stdout":   stepRun.Stdout,
	}
	if stepRun.Output != nil {
		scope["output"] = stepRun.Output
	}
	return scope
}

func stepKey(step *graph.Step, index int) string {
	if step.ID != "" {
		return step.ID
	}
	return fmt.Sprintf("step%d", index)
}

func stepTimeout(step *graph.Step, job *graph.Job) time.Duration {
	for _, value := range []string{step.Timeout, job.Timeout} {
		if value == "" {
			continue
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return 0
}

// commandLines splits a multi-line run block into independent commands.
func commandLines(script string) []string {
	var commands []string
	for _, line := range strings.Split(script, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			commands = append(commands, trimmed)
		}
	}
	return commands
}

func mergeEnv(base, overrides map[string]string) map[string]string {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// failRemaining marks every pending step failed; used when the job scope
// cannot be built (e.g. secret resolution failure).
func failRemaining(jobRun *execution.JobRun) {
	for _, stepRun := range jobRun.Steps {
		if !stepRun.State.Terminal() {
			stepRun.State = execution.StateFailed
			stepRun.ExitCode = 1
		}
	}
}

func newInstancePtr(t reflect.Type) interface{} {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return reflect.New(t).Interface()
}

// asMap renders an action output as a generic map for expression access and
// run persistence.
func asMap(value interface{}) map[string]interface{} {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	result := map[string]interface{}{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
