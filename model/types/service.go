package types

import "fmt"

// Service is a named action service whose methods can back `uses` steps.
type Service interface {
	Name() string
	Methods() Signatures
	Method(name string) (Executable, error)
}

// NewMethodNotFoundError reports a method lookup miss on an action service.
func NewMethodNotFoundError(name string) error {
	return fmt.Errorf("unknown method %q", name)
}

// NewInvalidInputError reports a typed invocation that received an input of
// an unexpected type.
func NewInvalidInputError(got interface{}) error {
	return fmt.Errorf("unexpected input type %T", got)
}

// NewInvalidOutputError reports a typed invocation that received an output of
// an unexpected type.
func NewInvalidOutputError(got interface{}) error {
	return fmt.Errorf("unexpected output type %T", got)
}
