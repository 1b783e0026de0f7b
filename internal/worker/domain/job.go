package domain

// Job represents a claimed scoring job for worker processing
type Job struct {
	JobID           string
	VideoRef        string
	ItemCount       int
	Status          string
	WorkerID        string
	AttemptCount    int
	MaxAttempts     int
	CancelRequested bool
	LastError       string
}

// AttemptsLeft reports whether the job may be released back to the queue
// after one more failed attempt.
func (j *Job) AttemptsLeft() bool {
	return j.AttemptCount+1 < j.MaxAttempts
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
