package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyor-ci/conveyor/runtime/execution"
	"github.com/conveyor-ci/conveyor/service/messaging"
)

func TestNew_RejectsUnknownVendor(t *testing.T) {
	_, err := New(messaging.Vendor("kafka"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported queue vendor")
}

func TestTypedPublisherAndListener(t *testing.T) {
	srv, err := New(messaging.VendorMemory)
	require.NoError(t, err)

	var mu sync.Mutex
	var received []*Event[*execution.Run]
	require.NoError(t, SetListenerOf(srv, func(e *Event[*execution.Run]) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}))

	publisher, err := PublisherOf[*execution.Run](srv)
	require.NoError(t, err)

	run := &execution.Run{ID: "run-1", PipelineName: "ci", State: execution.StateQueued}
	eCtx := &Context{RunID: run.ID, EventType: TypeRunQueued, Pipeline: run.PipelineName}
	require.NoError(t, publisher.Publish(context.Background(), NewEvent(eCtx, run)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeRunQueued, received[0].Context.EventType)
	assert.Equal(t, "run-1", received[0].Data.ID)
	assert.False(t, received[0].CreatedAt.IsZero())
}

func TestFirehoseObservesTypedEvents(t *testing.T) {
	srv, err := New(messaging.VendorMemory)
	require.NoError(t, err)

	var mu sync.Mutex
	var types []string
	srv.SetListener(func(e *Event[any]) {
		mu.Lock()
		types = append(types, e.Context.EventType)
		mu.Unlock()
	})

	runPublisher, err := PublisherOf[*execution.Run](srv)
	require.NoError(t, err)
	jobPublisher, err := PublisherOf[*execution.JobRun](srv)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, runPublisher.Publish(ctx,
		NewEvent(&Context{RunID: "r1", EventType: TypeRunStarted}, &execution.Run{ID: "r1"})))
	require.NoError(t, jobPublisher.Publish(ctx,
		NewEvent(&Context{RunID: "r1", JobRunID: "j1", EventType: TypeJobFinished}, &execution.JobRun{ID: "j1"})))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, types, TypeRunStarted)
	assert.Contains(t, types, TypeJobFinished)
}

func TestPublisherOf_ReturnsSameInstance(t *testing.T) {
	srv, err := New(messaging.VendorMemory)
	require.NoError(t, err)
	first, err := PublisherOf[*execution.Run](srv)
	require.NoError(t, err)
	second, err := PublisherOf[*execution.Run](srv)
	require.NoError(t, err)
	assert.Same(t, first, second)
}
