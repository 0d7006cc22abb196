package chain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("module not found")
	ErrNotChild        = errors.New("module is not a child of this chain")
	ErrIndexOutOfRange = errors.New("child index out of range")
	ErrArgOutOfRange   = errors.New("argument index out of range")
	ErrArity           = errors.New("argument count mismatch")
	ErrSingleOutput    = errors.New("branch must produce exactly one output")
	ErrContextMiss     = errors.New("context value not set")
)

// ContextMissError reports a context read for a namespace/key that was never
// written in the current scope.
type ContextMissError struct {
	Namespace string
	Key       string
}

func (e *ContextMissError) Error() string {
	return fmt.Sprintf("context value not set: %s.%s", e.Namespace, e.Key)
}

func (e *ContextMissError) Unwrap() error {
	return ErrContextMiss
}
