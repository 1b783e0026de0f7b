package handler

import (
	"context"
	"log/slog"

	"github.com/evalsight/scoresheet-be/internal/api/model"
	"github.com/evalsight/scoresheet-be/internal/api/storage"
)

// JobStorage is the jobs-table surface the handlers need.
type JobStorage interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	RequestCancel(ctx context.Context, jobID string) error
	Rerun(ctx context.Context, jobID string) (*model.Job, error)
}

// QueuePublisher pushes job messages onto the scoring queue.
type QueuePublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// HealthChecker reports the readiness of a backing dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnChecker reports whether a long-lived connection is still up.
type ConnChecker interface {
	IsConnected() bool
}

// JobDefaults are stamped onto submissions that omit the optional fields.
type JobDefaults struct {
	ItemCount     int
	MaxAttempts   int
	UploadBaseURL string
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Storage  JobStorage
	Queue    QueuePublisher
	Defaults JobDefaults
	// DBHealth and QueueHealth, when set, are probed by the health endpoint.
	DBHealth    HealthChecker
	QueueHealth ConnChecker
}

// JobHandler handles scoring-job HTTP requests
type JobHandler struct {
	logger   *slog.Logger
	storage  JobStorage
	queue    QueuePublisher
	defaults JobDefaults
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		storage:  deps.Storage,
		queue:    deps.Queue,
		defaults: deps.Defaults,
	}
}
