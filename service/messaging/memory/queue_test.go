package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	RunID string
}

func TestQueue_PublishConsumeAck(t *testing.T) {
	queue := NewQueue[payload](DefaultConfig())
	ctx := context.Background()

	require.NoError(t, queue.Publish(ctx, &payload{RunID: "r1"}))
	assert.Equal(t, 1, queue.Size())

	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", message.T().RunID)
	require.NoError(t, message.Ack())

	// double settlement is rejected
	assert.Error(t, message.Ack())
	assert.Equal(t, 0, queue.Size())
}

func TestQueue_NackRequeues(t *testing.T) {
	config := DefaultConfig()
	config.RetryDelay = time.Millisecond
	queue := NewQueue[payload](config)
	ctx := context.Background()

	require.NoError(t, queue.Publish(ctx, &payload{RunID: "r1"}))
	message, err := queue.Consume(ctx)
	require.NoError(t, err)
	require.NoError(t, message.Nack(errors.New("transient")))

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retried, err := queue.Consume(consumeCtx)
	require.NoError(t, err)
	assert.Equal(t, "r1", retried.T().RunID)
}

func TestQueue_DeadLetterAfterRetries(t *testing.T) {
	config := Config{MaxRetries: 1, RetryDelay: time.Millisecond, DeadLetter: true, QueueBuffer: 10}
	queue := NewQueue[payload](config)
	ctx := context.Background()

	require.NoError(t, queue.Publish(ctx, &payload{RunID: "r1"}))
	for i := 0; i <= config.MaxRetries; i++ {
		consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
		message, err := queue.Consume(consumeCtx)
		cancel()
		require.NoError(t, err)
		require.NoError(t, message.Nack(errors.New("permanent")))
	}

	assert.Eventually(t, func() bool {
		return queue.DLQSize() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestQueue_ConsumeHonoursContext(t *testing.T) {
	queue := NewQueue[payload](DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := queue.Consume(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
