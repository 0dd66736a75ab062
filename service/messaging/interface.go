package messaging

import "context"

// Vendor identifies a queue implementation.
type Vendor string

const (
	// VendorMemory is the in-process channel backed queue.
	VendorMemory Vendor = "memory"
)

// Message wraps a queued payload with acknowledgement semantics.
type Message[T any] interface {
	T() *T
	Ack() error
	Nack(err error) error
}

// Queue transports job dispatch messages between the scheduler dispatch loop
// and its workers.
type Queue[T any] interface {
	Publish(ctx context.Context, t *T) error
	Consume(ctx context.Context) (Message[T], error)
	Size() int
}
