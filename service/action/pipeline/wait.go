package pipeline

import (
	"context"
	"fmt"
	"time"
)

type (
	// RunInput identifies the pipeline to invoke and its call inputs.
	RunInput struct {
		Location    string                 `json:"location,omitempty" description:"pipeline definition location"`
		Inputs      map[string]interface{} `json:"inputs,omitempty" description:"values exposed to the callee as event.inputs"`
		Async       bool                   `json:"async,omitempty" description:"return after starting without waiting"`
		IgnoreError bool                   `json:"ignoreError,omitempty" description:"do not fail the step when the callee fails"`
		TimeoutMs   int                    `json:"timeoutMs,omitempty" description:"max wait for the callee conclusion"`
	}

	// StatusInput identifies a run to inspect.
	StatusInput struct {
		RunID string `json:"runId" description:"run identifier"`
	}

	// WaitInput identifies a run to wait for.
	WaitInput struct {
		RunID           string `json:"runId" description:"run identifier"`
		TimeoutMs       int    `json:"timeoutMs,omitempty" description:"max wait before giving up"`
		PollFrequencyMs int    `json:"pollFrequencyMs,omitempty" description:"poll interval"`
	}

	// RunOutput reports the callee run id, state and per-job outputs.
	RunOutput struct {
		RunID   string                       `json:"runId,omitempty"`
		State   string                       `json:"state,omitempty"`
		Outputs map[string]map[string]string `json:"outputs,omitempty"`
		Timeout bool                         `json:"timeout,omitempty"`
	}
)

func (i *RunInput) Init() {
	if i.TimeoutMs == 0 && !i.Async {
		i.TimeoutMs = 300000
	}
}

func (i *RunInput) Validate() error {
	if i.Location == "" {
		return fmt.Errorf("location is required")
	}
	return nil
}

func (i *WaitInput) Init() {
	if i.PollFrequencyMs == 0 {
		i.PollFrequencyMs = 200
	}
	if i.TimeoutMs == 0 {
		i.TimeoutMs = 300000
	}
}

// Wait polls the run store until the callee concludes or the timeout elapses.
func (s *Service) Wait(ctx context.Context, input *WaitInput, output *RunOutput) error {
	if input.RunID == "" {
		return fmt.Errorf("runId is required")
	}
	input.Init()

	pollFrequency := time.Duration(input.PollFrequencyMs) * time.Millisecond
	expiry := time.Now().Add(time.Duration(input.TimeoutMs) * time.Millisecond)

	// populate the id up-front so callers can correlate timeouts
	output.RunID = input.RunID
	for {
		run, err := s.runDao.Load(ctx, input.RunID)
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			populate(output, run)
			return nil
		}
		if time.Now().After(expiry) {
			output.Timeout = true
			output.State = string(run.State)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollFrequency):
		}
	}
}
