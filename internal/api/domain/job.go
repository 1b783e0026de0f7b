package domain

import (
	"errors"
)

const (
	JobStatusQueued      = "QUEUED"
	JobStatusRunning     = "RUNNING"
	JobStatusCompleted   = "COMPLETED"
	JobStatusFailed      = "FAILED"
	JobStatusNeedsReview = "NEEDS_REVIEW"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotTerminal is returned when a re-run is requested for a job that
	// is still queued or running
	ErrJobNotTerminal = errors.New("job is not in a terminal state")

	// ErrJobTerminal is returned when cancellation is requested for a job
	// that already finished
	ErrJobTerminal = errors.New("job is already in a terminal state")
)
