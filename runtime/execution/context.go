package execution

import "context"

type contextKey string

const (
	runKey   contextKey = "conveyor.run"
	depthKey contextKey = "conveyor.callDepth"
)

// WithRun attaches the current run to the context so nested pipeline calls
// can correlate with their caller.
func WithRun(ctx context.Context, run *Run) context.Context {
	return context.WithValue(ctx, runKey, run)
}

// RunFromContext returns the run attached to the context, nil when absent.
func RunFromContext(ctx context.Context) *Run {
	if value := ctx.Value(runKey); value != nil {
		if run, ok := value.(*Run); ok {
			return run
		}
	}
	return nil
}

// WithCallDepth records the pipeline call nesting depth.
func WithCallDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey, depth)
}

// CallDepth returns the pipeline call nesting depth, 0 at the top level.
func CallDepth(ctx context.Context) int {
	if value := ctx.Value(depthKey); value != nil {
		if depth, ok := value.(int); ok {
			return depth
		}
	}
	return 0
}
