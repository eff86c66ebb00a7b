package backend

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by InferenceError.
var (
	// ErrNotLoaded is returned when Forward or Probe is called on a backend
	// that has no successfully loaded model.
	ErrNotLoaded = errors.New("no model loaded")

	// ErrNoOutputs is returned when a forward pass yields zero output tensors.
	ErrNoOutputs = errors.New("model produced no outputs")
)

// LoadError reports a model artifact that could not be loaded: missing or
// unreadable file, a declared dimension outside sanity bounds, or a declared
// tensor whose element count would overflow the platform container guard.
// A backend returning LoadError is guaranteed to be unloaded, never partial.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed forward pass. It takes down that inference
// tick only: the control loop keeps actuating on the last published action.
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("inference: %v", e.Err)
	}
	return fmt.Sprintf("inference (%s): %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// TypeMismatchError reports a typed tensor extraction whose requested type
// does not match the tensor's actual element type. Data is never silently
// reinterpreted; callers recover by asking for the right type.
type TypeMismatchError struct {
	Want ElementType
	Got  ElementType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("tensor element type is %s, requested %s", e.Got, e.Want)
}
