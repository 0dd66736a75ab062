package idgen

import "github.com/google/uuid"

// NewFunc produces run and job-run identifiers. It is a variable so tests can
// stub it with a deterministic sequence.
var NewFunc = func() string { return uuid.New().String() }

func New() string { return NewFunc() }
