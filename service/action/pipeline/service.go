// Package pipeline lets a step invoke another pipeline as a call event and
// optionally wait for its conclusion. Call depth is capped so mutually
// recursive pipelines cannot run away.
package pipeline

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/conveyor-ci/conveyor/model/trigger"
	"github.com/conveyor-ci/conveyor/model/types"
	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/dao"
)

const Name = "pipeline"

// MaxCallDepth bounds nested pipeline invocations.
const MaxCallDepth = 5

// Starter launches a pipeline run for an event; the engine runtime
// implements it.
type Starter interface {
	StartRun(ctx context.Context, location string, event *trigger.Event) (*execution.Run, error)
}

// Service exposes run, status and wait methods over pipelines.
type Service struct {
	starter Starter
	runDao  dao.Service[string, execution.Run]
}

// New creates a pipeline call action.
func New(starter Starter, runDao dao.Service[string, execution.Run]) *Service {
	return &Service{starter: starter, runDao: runDao}
}

func (s *Service) Name() string {
	return Name
}

func (s *Service) Methods() types.Signatures {
	return []types.Signature{
		{
			Name:        "run",
			Description: "Invokes another pipeline as a call event and, unless async, waits for its conclusion.",
			Input:       reflect.TypeOf(&RunInput{}),
			Output:      reflect.TypeOf(&RunOutput{}),
		},
		{
			Name:        "status",
			Description: "Reports the current state of a pipeline run by id.",
			Input:       reflect.TypeOf(&StatusInput{}),
			Output:      reflect.TypeOf(&RunOutput{}),
		},
		{
			Name:        "wait",
			Description: "Polls a pipeline run until it reaches a terminal state or the timeout elapses.",
			Input:       reflect.TypeOf(&WaitInput{}),
			Output:      reflect.TypeOf(&RunOutput{}),
		},
	}
}

func (s *Service) Method(name string) (types.Executable, error) {
	switch strings.ToLower(name) {
	case "run":
		return s.run, nil
	case "status":
		return s.status, nil
	case "wait":
		return s.wait, nil
	default:
		return nil, types.NewMethodNotFoundError(name)
	}
}

// Run starts the referenced pipeline with a call event.
func (s *Service) Run(ctx context.Context, input *RunInput, output *RunOutput) error {
	input.Init()
	if err := input.Validate(); err != nil {
		return err
	}
	depth := execution.CallDepth(ctx)
	if depth >= MaxCallDepth {
		return fmt.Errorf("pipeline call depth %d exceeds limit %d", depth+1, MaxCallDepth)
	}

	event := &trigger.Event{Kind: trigger.Call, Inputs: input.Inputs}
	if caller := execution.RunFromContext(ctx); caller != nil {
		event.CallerRunID = caller.ID
		// runs started programmatically may carry no event at all
		if callerEvent := caller.Event; callerEvent != nil {
			event.Repo = callerEvent.Repo
			event.Branch = callerEvent.Branch
			event.Commit = callerEvent.Commit
		}
	}

	run, err := s.starter.StartRun(execution.WithCallDepth(ctx, depth+1), input.Location, event)
	if err != nil {
		return err
	}
	output.RunID = run.ID
	output.State = string(run.State)
	if input.Async {
		return nil
	}

	waitOutput := &RunOutput{}
	if err := s.Wait(ctx, &WaitInput{RunID: run.ID, TimeoutMs: input.TimeoutMs}, waitOutput); err != nil {
		return err
	}
	*output = *waitOutput
	if output.State == string(execution.StateFailed) && !input.IgnoreError {
		return fmt.Errorf("called pipeline run %v failed", run.ID)
	}
	return nil
}

// Status loads the run and reports its state and job outputs.
func (s *Service) Status(ctx context.Context, input *StatusInput, output *RunOutput) error {
	if input.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	run, err := s.runDao.Load(ctx, input.RunID)
	if err != nil {
		return err
	}
	populate(output, run)
	return nil
}

func populate(output *RunOutput, run *execution.Run) {
	output.RunID = run.ID
	output.State = string(run.State)
	output.Outputs = map[string]map[string]string{}
	for _, jobRun := range run.Jobs {
		if len(jobRun.Outputs) > 0 {
			output.Outputs[jobRun.JobID] = jobRun.Outputs
		}
	}
}

func (s *Service) run(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*RunInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*RunOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Run(ctx, input, output)
}

func (s *Service) status(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*StatusInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*RunOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Status(ctx, input, output)
}

func (s *Service) wait(ctx context.Context, in, out interface{}) error {
	input, ok := in.(*WaitInput)
	if !ok {
		return types.NewInvalidInputError(in)
	}
	output, ok := out.(*RunOutput)
	if !ok {
		return types.NewInvalidOutputError(out)
	}
	return s.Wait(ctx, input, output)
}
