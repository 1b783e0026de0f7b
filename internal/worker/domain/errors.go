package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is
	// not QUEUED, is claimed by another worker, or whose next attempt time
	// has not elapsed yet
	ErrJobAlreadyClaimed = errors.New("job already claimed or not claimable")

	// ErrMaxAttemptsExceeded is returned when a job has exhausted its attempts
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
)

// RetryableError wraps transient errors whose job has been released back to
// the queue for a later attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// RequeueError wraps failures that happen before a job is claimed, such as a
// storage outage on the claim query. The job row is still claimable, so
// broker redelivery is the only path that brings the message back.
type RequeueError struct {
	Err error
}

func (e *RequeueError) Error() string {
	return "requeue: " + e.Err.Error()
}

func (e *RequeueError) Unwrap() error {
	return e.Err
}

// NewRequeueError creates a new requeue error
func NewRequeueError(err error) error {
	return &RequeueError{Err: err}
}
