package domain

// Job status constants
const (
	JobStatusQueued      = "QUEUED"
	JobStatusRunning     = "RUNNING"
	JobStatusCompleted   = "COMPLETED"
	JobStatusFailed      = "FAILED"
	JobStatusNeedsReview = "NEEDS_REVIEW"
)

// IsTerminal reports whether a status admits no further transitions other
// than an explicit re-run request.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusNeedsReview:
		return true
	}
	return false
}
