package domain

import "errors"

var (
	// ErrResourceExhausted is returned when no model runtime instance became
	// available within the acquire timeout. Retriable.
	ErrResourceExhausted = errors.New("model runtime pool exhausted")

	// ErrCancelled is returned when a job observed its cancellation flag.
	// Terminal, never retried.
	ErrCancelled = errors.New("job cancelled")

	// ErrVideoNotFound is returned when the source video reference does not
	// exist in the store. Terminal.
	ErrVideoNotFound = errors.New("video not found")
)

// DecodeError reports an unreadable or empty source video. Transient decode
// failures (interrupted download, short read) are retriable; a corrupt file
// is not.
type DecodeError struct {
	Err       error
	Transient bool
}

func (e *DecodeError) Error() string {
	return "decode error: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err as a fatal decode failure.
func NewDecodeError(err error) error {
	return &DecodeError{Err: err}
}

// NewTransientDecodeError wraps err as a retriable decode failure.
func NewTransientDecodeError(err error) error {
	return &DecodeError{Err: err, Transient: true}
}

// TransientIOError reports a retriable I/O failure against an external
// collaborator (video store, interrupted transfer).
type TransientIOError struct {
	Err error
}

func (e *TransientIOError) Error() string {
	return "transient io error: " + e.Err.Error()
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

// NewTransientIOError wraps a retriable I/O failure.
func NewTransientIOError(err error) error {
	return &TransientIOError{Err: err}
}

// InferenceError reports a model execution failure. Always retriable: the
// orchestrator, not the stage, decides whether attempts remain.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return "inference error (" + e.Model + "): " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// NewInferenceError wraps a model execution failure.
func NewInferenceError(model string, err error) error {
	return &InferenceError{Model: model, Err: err}
}

// Retriable reports whether err is transient per the pipeline taxonomy:
// InferenceError, ResourceExhausted, and transient DecodeErrors are; fatal
// decode failures, cancellation, and missing videos are not.
func Retriable(err error) bool {
	var infErr *InferenceError
	if errors.As(err, &infErr) {
		return true
	}
	if errors.Is(err, ErrResourceExhausted) {
		return true
	}
	var ioErr *TransientIOError
	if errors.As(err, &ioErr) {
		return true
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return decErr.Transient
	}
	return false
}
