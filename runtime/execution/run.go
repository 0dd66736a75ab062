package execution

import (
	"time"

	"github.com/conveyor-ci/conveyor/internal/clock"
	"github.com/conveyor-ci/conveyor/internal/idgen"
	"github.com/conveyor-ci/conveyor/model"
	"github.com/conveyor-ci/conveyor/model/graph"
	"github.com/conveyor-ci/conveyor/model/trigger"
)

// State captures the lifecycle of runs, job runs and step runs.
type State string

const (
	StateQueued    State = "queued"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Skip reasons recorded on job runs that never executed.
const (
	SkipReasonNeeds     = "needs"     // a dependency failed or was skipped
	SkipReasonCondition = "condition" // the job condition evaluated to false
	SkipReasonPolicy    = "policy"    // a policy gate rejected the job
)

type (
	// Run records one execution of a pipeline for a single event.
	Run struct {
		ID           string          `json:"id" yaml:"id"`
		PipelineName string          `json:"pipeline" yaml:"pipeline"`
		Pipeline     *model.Pipeline `json:"definition,omitempty" yaml:"definition,omitempty"`
		Event        *trigger.Event  `json:"event,omitempty" yaml:"event,omitempty"`
		State        State           `json:"state" yaml:"state"`
		Jobs         []*JobRun       `json:"jobs,omitempty" yaml:"jobs,omitempty"`
		CreatedAt    time.Time       `json:"createdAt" yaml:"createdAt"`
		StartedAt    *time.Time      `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
		FinishedAt   *time.Time      `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	}

	// JobRun records one job execution, i.e. a single matrix variant.
	JobRun struct {
		ID         string            `json:"id" yaml:"id"`
		RunID      string            `json:"runId" yaml:"runId"`
		JobID      string            `json:"jobId" yaml:"jobId"`
		Name       string            `json:"name" yaml:"name"`
		Variant    graph.Variant     `json:"variant,omitempty" yaml:"variant,omitempty"`
		State      State             `json:"state" yaml:"state"`
		SkipReason string            `json:"skipReason,omitempty" yaml:"skipReason,omitempty"`
		Steps      []*StepRun        `json:"steps,omitempty" yaml:"steps,omitempty"`
		Outputs    map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
		Error      string            `json:"error,omitempty" yaml:"error,omitempty"`
		StartedAt  *time.Time        `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
		FinishedAt *time.Time        `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	}

	// StepRun records a single step execution within a job run.
	StepRun struct {
		ID     string `json:"id" yaml:"id"`
		StepID string `json:"stepId,omitempty" yaml:"stepId,omitempty"`
		Name   string `json:"name,omitempty" yaml:"name,omitempty"`
		State  State  `json:"state" yaml:"state"`
		// ExitCode is the step's shell exit status, 0 for action steps that
		// returned no error.
		ExitCode int    `json:"exitCode" yaml:"exitCode"`
		Stdout   string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
		Stderr   string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
		// Suppressed marks a failed step whose failure does not fail the job
		// (continue-on-error).
		Suppressed bool                   `json:"suppressed,omitempty" yaml:"suppressed,omitempty"`
		Error      string                 `json:"error,omitempty" yaml:"error,omitempty"`
		Output     map[string]interface{} `json:"output,omitempty" yaml:"output,omitempty"`
		StartedAt  *time.Time             `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
		FinishedAt *time.Time             `json:"finishedAt,omitempty" yaml:"finishedAt,omitempty"`
	}
)

// NewRun builds a run for the supplied pipeline and event, expanding every
// job's matrix strategy into queued job runs.
func NewRun(pipeline *model.Pipeline, event *trigger.Event) *Run {
	run := &Run{
		ID:           idgen.New(),
		PipelineName: pipeline.Name,
		Pipeline:     pipeline,
		Event:        event,
		State:        StateQueued,
		CreatedAt:    clock.Now(),
	}
	for _, job := range pipeline.Jobs {
		for _, variant := range job.Strategy.Variants() {
			name := job.Name
			if key := variant.Key(); key != "" {
				name = name + " (" + key + ")"
			}
			jobRun := &JobRun{
				ID:      idgen.New(),
				RunID:   run.ID,
				JobID:   job.ID,
				Name:    name,
				Variant: variant,
				State:   StateQueued,
			}
			for _, step := range job.Steps {
				jobRun.Steps = append(jobRun.Steps, &StepRun{
					ID:     idgen.New(),
					StepID: step.ID,
					Name:   step.Label(),
					State:  StateQueued,
				})
			}
			run.Jobs = append(run.Jobs, jobRun)
		}
	}
	return run
}

// JobRun returns the job run with the given id, nil when absent.
func (r *Run) JobRun(id string) *JobRun {
	for _, jobRun := range r.Jobs {
		if jobRun.ID == id {
			return jobRun
		}
	}
	return nil
}

// VariantsOf returns all job runs expanded from the given job id.
func (r *Run) VariantsOf(jobID string) []*JobRun {
	var result []*JobRun
	for _, jobRun := range r.Jobs {
		if jobRun.JobID == jobID {
			result = append(result, jobRun)
		}
	}
	return result
}

// Terminal reports whether every job run has reached a final state.
func (r *Run) Terminal() bool {
	for _, jobRun := range r.Jobs {
		if !jobRun.State.Terminal() {
			return false
		}
	}
	return true
}

// Conclude derives the run conclusion from its job runs: the logical AND of
// job conclusions. A job skipped because a dependency failed counts against
// the run; a job skipped by condition or policy does not. Failure takes
// precedence over cancellation so a fail-fast cancelled matrix still
// concludes failed.
func (r *Run) Conclude() State {
	conclusion := StateSucceeded
	cancelled := false
	for _, jobRun := range r.Jobs {
		switch jobRun.State {
		case StateCancelled:
			cancelled = true
		case StateFailed:
			conclusion = StateFailed
		case StateSkipped:
			if jobRun.SkipReason == SkipReasonNeeds {
				conclusion = StateFailed
			}
		}
	}
	if conclusion == StateSucceeded && cancelled {
		return StateCancelled
	}
	return conclusion
}

// Conclude derives the job conclusion as the logical AND of its steps' exit
// statuses; failed steps marked Suppressed do not count (continue-on-error).
func (j *JobRun) Conclude() State {
	conclusion := StateSucceeded
	for _, stepRun := range j.Steps {
		switch stepRun.State {
		case StateCancelled:
			return StateCancelled
		case StateFailed:
			if !stepRun.Suppressed {
				conclusion = StateFailed
			}
		}
	}
	return conclusion
}

// Failed reports whether a non-suppressed step has failed so far; step
// conditions (success()/failure()) evaluate against it.
func (j *JobRun) Failed() bool {
	for _, stepRun := range j.Steps {
		if stepRun.State == StateFailed && !stepRun.Suppressed {
			return true
		}
	}
	return false
}

// Start transitions the job run into the running state.
func (j *JobRun) Start() {
	now := clock.Now()
	j.State = StateRunning
	j.StartedAt = &now
}

// Finish records the terminal state derived from the executed steps.
func (j *JobRun) Finish() {
	now := clock.Now()
	j.State = j.Conclude()
	j.FinishedAt = &now
}

// Skip marks the job run and all its pending steps as skipped.
func (j *JobRun) Skip(reason string) {
	now := clock.Now()
	j.State = StateSkipped
	j.SkipReason = reason
	j.FinishedAt = &now
	for _, stepRun := range j.Steps {
		if !stepRun.State.Terminal() {
			stepRun.State = StateSkipped
		}
	}
}

// Cancel marks the job run and all its pending steps as cancelled.
func (j *JobRun) Cancel() {
	now := clock.Now()
	j.State = StateCancelled
	j.FinishedAt = &now
	for _, stepRun := range j.Steps {
		if !stepRun.State.Terminal() {
			stepRun.State = StateCancelled
		}
	}
}

// CopyFrom overwrites the receiver with the supplied run. Memory DAO save
// semantics rely on it to keep shared pointers stable.
func (r *Run) CopyFrom(source *Run) {
	if source == nil {
		return
	}
	*r = *source
}

// Detach returns a deep copy of the run's mutable state so a worker can
// execute a job without touching the record the dispatch loop reads. The
// pipeline definition and event are shared; both are immutable once a run
// is created.
func (r *Run) Detach() *Run {
	detached := *r
	detached.Jobs = make([]*JobRun, 0, len(r.Jobs))
	for _, jobRun := range r.Jobs {
		detached.Jobs = append(detached.Jobs, jobRun.clone())
	}
	return &detached
}

func (j *JobRun) clone() *JobRun {
	cloned := *j
	if j.Variant != nil {
		cloned.Variant = make(graph.Variant, len(j.Variant))
		for k, v := range j.Variant {
			cloned.Variant[k] = v
		}
	}
	if j.Outputs != nil {
		cloned.Outputs = make(map[string]string, len(j.Outputs))
		for k, v := range j.Outputs {
			cloned.Outputs[k] = v
		}
	}
	cloned.Steps = make([]*StepRun, 0, len(j.Steps))
	for _, stepRun := range j.Steps {
		copied := *stepRun
		cloned.Steps = append(cloned.Steps, &copied)
	}
	return &cloned
}

// CopyFrom merges an executed detached job run back into the receiver.
func (j *JobRun) CopyFrom(source *JobRun) {
	if source == nil {
		return
	}
	*j = *source
}
