package graph

type (
	// Job is a named unit of work within a pipeline. Jobs without matching
	// needs run in parallel; steps within a job run strictly in declared
	// order.
	Job struct {
		ID   string `json:"id,omitempty" yaml:"id,omitempty"`
		Name string `json:"name,omitempty" yaml:"name,omitempty"`
		// Needs lists job IDs that must conclude successfully before this
		// job is dispatched.
		Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`
		// RunsOn selects the runner host. Empty means the local shell;
		// any other value is an ssh host URL.
		RunsOn      string            `json:"runsOn,omitempty" yaml:"runsOn,omitempty"`
		Credentials string            `json:"credentials,omitempty" yaml:"credentials,omitempty"`
		Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
		// Timeout is a duration string applied to every step unless the
		// step declares its own.
		Timeout  string    `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		When     string    `json:"when,omitempty" yaml:"when,omitempty"`
		Strategy *Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
		Steps    []*Step   `json:"steps,omitempty" yaml:"steps,omitempty"`
		// Outputs maps output names to expressions evaluated once the job
		// concludes; dependents read them via needs.<job>.outputs.<name>.
		Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	}

	// Step is a single command or built-in action invocation. Exactly one of
	// Run and Uses must be set.
	Step struct {
		ID   string `json:"id,omitempty" yaml:"id,omitempty"`
		Name string `json:"name,omitempty" yaml:"name,omitempty"`
		// Run holds a shell command line executed on the job runner.
		Run string `json:"run,omitempty" yaml:"run,omitempty"`
		// Uses references a registered action as service:method.
		Uses    string                 `json:"uses,omitempty" yaml:"uses,omitempty"`
		With    map[string]interface{} `json:"with,omitempty" yaml:"with,omitempty"`
		Env     map[string]string      `json:"env,omitempty" yaml:"env,omitempty"`
		Workdir string                 `json:"workdir,omitempty" yaml:"workdir,omitempty"`
		Timeout string                 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
		// ContinueOnError records the step failure without failing the job.
		ContinueOnError bool `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
		// When gates execution: empty or success() runs only while the job
		// has no failed step, always() runs unconditionally, failure() runs
		// only after a failed step.
		When string `json:"when,omitempty" yaml:"when,omitempty"`
	}
)

// WithStep appends a run step and returns it.
func (j *Job) WithStep(id, run string) *Step {
	step := &Step{ID: id, Run: run}
	j.Steps = append(j.Steps, step)
	return step
}

// WithAction appends an action step and returns it.
func (j *Job) WithAction(id, uses string, with map[string]interface{}) *Step {
	step := &Step{ID: id, Uses: uses, With: with}
	j.Steps = append(j.Steps, step)
	return step
}

// WithNeeds adds job dependencies.
func (j *Job) WithNeeds(ids ...string) *Job {
	j.Needs = append(j.Needs, ids...)
	return j
}

// WithEnv sets a job level environment variable.
func (j *Job) WithEnv(name, value string) *Job {
	if j.Env == nil {
		j.Env = make(map[string]string)
	}
	j.Env[name] = value
	return j
}

// WithMatrix sets a matrix axis on the job strategy.
func (j *Job) WithMatrix(axis string, values ...interface{}) *Job {
	if j.Strategy == nil {
		j.Strategy = &Strategy{}
	}
	if j.Strategy.Matrix == nil {
		j.Strategy.Matrix = make(map[string][]interface{})
	}
	j.Strategy.Matrix[axis] = values
	return j
}

// WithOutput declares a job output expression.
func (j *Job) WithOutput(name, expression string) *Job {
	if j.Outputs == nil {
		j.Outputs = make(map[string]string)
	}
	j.Outputs[name] = expression
	return j
}

// Label returns the human readable identifier.
func (s *Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	if s.ID != "" {
		return s.ID
	}
	if s.Uses != "" {
		return s.Uses
	}
	return s.Run
}

// WithContinueOnError marks step failures as non fatal for the job.
func (s *Step) WithContinueOnError() *Step {
	s.ContinueOnError = true
	return s
}

// WithWhen sets the step condition.
func (s *Step) WithWhen(condition string) *Step {
	s.When = condition
	return s
}

// Clone creates a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := &Job{
		ID:          j.ID,
		Name:        j.Name,
		RunsOn:      j.RunsOn,
		Credentials: j.Credentials,
		Timeout:     j.Timeout,
		When:        j.When,
	}
	if j.Needs != nil {
		clone.Needs = append([]string{}, j.Needs...)
	}
	clone.Env = cloneStringMap(j.Env)
	clone.Outputs = cloneStringMap(j.Outputs)
	clone.Strategy = j.Strategy.Clone()
	if j.Steps != nil {
		clone.Steps = make([]*Step, len(j.Steps))
		for i, step := range j.Steps {
			clone.Steps[i] = step.Clone()
		}
	}
	return clone
}

// Clone creates a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	clone := &Step{
		ID:              s.ID,
		Name:            s.Name,
		Run:             s.Run,
		Uses:            s.Uses,
		Workdir:         s.Workdir,
		Timeout:         s.Timeout,
		ContinueOnError: s.ContinueOnError,
		When:            s.When,
	}
	clone.Env = cloneStringMap(s.Env)
	if s.With != nil {
		clone.With = make(map[string]interface{}, len(s.With))
		for k, v := range s.With {
			clone.With[k] = v
		}
	}
	return clone
}

func cloneStringMap(source map[string]string) map[string]string {
	if source == nil {
		return nil
	}
	clone := make(map[string]string, len(source))
	for k, v := range source {
		clone[k] = v
	}
	return clone
}
