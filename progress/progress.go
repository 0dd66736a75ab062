// Package progress keeps aggregated job counters for a single pipeline run.
// The tracker lives in the run context; every component receiving the context
// can update the counters via Delta without a global registry.
package progress

import (
	"context"
	"sync"
	"time"
)

// Delta is an incremental counter change emitted by the scheduler or
// executor. Fields are signed so both increments and decrements work.
type Delta struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
	Running   int
	Pending   int
}

// Progress aggregates job run counters of one pipeline run. Safe for
// concurrent use.
type Progress struct {
	RunID     string
	Pipeline  string
	StartedAt time.Time

	TotalJobs     int
	CompletedJobs int
	SkippedJobs   int
	FailedJobs    int
	RunningJobs   int
	PendingJobs   int

	mu       sync.Mutex
	onChange func(Snapshot)
}

// Snapshot is a read-only copy of the counters.
type Snapshot struct {
	RunID     string
	Pipeline  string
	StartedAt time.Time

	TotalJobs     int
	CompletedJobs int
	SkippedJobs   int
	FailedJobs    int
	RunningJobs   int
	PendingJobs   int
}

// Update applies the delta. The onChange callback, if registered, receives a
// snapshot outside the critical section so it can do slow work without
// blocking the engine.
func (p *Progress) Update(d Delta) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.TotalJobs += d.Total
	p.CompletedJobs += d.Completed
	p.SkippedJobs += d.Skipped
	p.FailedJobs += d.Failed
	p.RunningJobs += d.Running
	p.PendingJobs += d.Pending
	snapshot := p.snapshot()
	cb := p.onChange
	p.mu.Unlock()

	if cb != nil {
		cb(snapshot)
	}
}

// Snapshot returns a copy of the current counters.
func (p *Progress) Snapshot() Snapshot {
	if p == nil {
		return Snapshot{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot()
}

func (p *Progress) snapshot() Snapshot {
	return Snapshot{
		RunID:         p.RunID,
		Pipeline:      p.Pipeline,
		StartedAt:     p.StartedAt,
		TotalJobs:     p.TotalJobs,
		CompletedJobs: p.CompletedJobs,
		SkippedJobs:   p.SkippedJobs,
		FailedJobs:    p.FailedJobs,
		RunningJobs:   p.RunningJobs,
		PendingJobs:   p.PendingJobs,
	}
}

// OnChange registers the callback invoked after every Update; nil disables
// it. Only one callback is active at a time.
func (p *Progress) OnChange(cb func(Snapshot)) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.onChange = cb
	p.mu.Unlock()
}

type trackerKeyT struct{}

var trackerKey trackerKeyT

// WithNewTracker creates a tracker for the run, embeds it in a derived
// context and returns both.
func WithNewTracker(ctx context.Context, runID, pipeline string, onChange func(Snapshot)) (context.Context, *Progress) {
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := &Progress{
		RunID:     runID,
		Pipeline:  pipeline,
		StartedAt: time.Now(),
		onChange:  onChange,
	}
	return context.WithValue(ctx, trackerKey, tracker), tracker
}

// FromContext extracts the tracker, nil when absent.
func FromContext(ctx context.Context) *Progress {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(trackerKey).(*Progress); ok {
		return v
	}
	return nil
}
