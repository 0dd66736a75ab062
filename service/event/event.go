package event

import "time"

// Context identifies what a lifecycle event refers to.
type Context struct {
	RunID     string `json:"runId"`
	JobRunID  string `json:"jobRunId,omitempty"`
	EventType string `json:"eventType"`
	Pipeline  string `json:"pipeline,omitempty"`
}

// Event carries a typed payload with its lifecycle context.
type Event[T any] struct {
	Context   *Context               `json:"context"`
	CreatedAt time.Time              `json:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata"`
	Data      T                      `json:"data"`
}

// NewEvent creates an event for the given context and payload.
func NewEvent[T any](context *Context, data T) *Event[T] {
	return &Event[T]{
		Context:   context,
		CreatedAt: time.Now(),
		Metadata:  make(map[string]interface{}),
		Data:      data,
	}
}
