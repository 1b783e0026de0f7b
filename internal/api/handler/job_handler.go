package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evalsight/scoresheet-be/internal/api/domain"
	"github.com/evalsight/scoresheet-be/internal/api/dto"
	"github.com/evalsight/scoresheet-be/internal/api/model"
	"github.com/evalsight/scoresheet-be/internal/api/storage"
)

// CreateJob handles POST /api/v1/scoring-jobs
// Creates a scoring job for an uploaded video and enqueues it
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	itemCount := req.ItemCount
	if itemCount == 0 {
		itemCount = h.defaults.ItemCount
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = h.defaults.MaxAttempts
	}
	if itemCount < 1 || maxAttempts < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item_count and max_attempts must be positive",
		})
		return
	}

	now := time.Now()
	job := model.Job{
		JobID:         uuid.New().String(),
		VideoRef:      req.VideoRef,
		ItemCount:     itemCount,
		Status:        domain.JobStatusQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.publishJob(c, job.JobID); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Scoring job submitted",
		slog.String("job_id", job.JobID),
		slog.String("video_ref", job.VideoRef),
		slog.Int("item_count", job.ItemCount),
	)

	c.JSON(http.StatusCreated, dto.FromModel(&job))
}

func (h *JobHandler) publishJob(c *gin.Context, jobID string) error {
	body, err := json.Marshal(gin.H{"job_id": jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}
	return h.queue.PublishWithRetry(c.Request.Context(), body, "application/json")
}

// GetJob handles GET /api/v1/scoring-jobs/:job_id
// Retrieves a job's status and, once terminal, its score result
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	// 1. Validate job_id format (UUID)
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	// 2. Query job from database
	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.FromModel(job))
}

// ListJobs handles GET /api/v1/scoring-jobs
// Lists jobs with optional status filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	// One extra row was fetched to detect a further page.
	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.FromModel(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		cursorObj := storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		}
		nextCursor, err = EncodeJobCursor(&cursorObj)
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/scoring-jobs/:job_id/cancel
// Flags a queued or running job for cancellation. The worker observes the
// flag between pipeline stages, so the transition is not immediate.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	err := h.storage.RequestCancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case errors.Is(err, domain.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job already finished",
		})
		return
	case err != nil:
		h.logger.Error("Failed to request cancel", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to request cancel",
		})
		return
	}

	h.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":           jobID,
		"cancel_requested": true,
	})
}

// RerunJob handles POST /api/v1/scoring-jobs/:job_id/rerun
// Resets a terminal job to QUEUED and enqueues it again. The previous result
// stays on the row until the new run finishes.
func (h *JobHandler) RerunJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.Rerun(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	case errors.Is(err, domain.ErrJobNotTerminal):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job is still queued or running",
		})
		return
	case err != nil:
		h.logger.Error("Failed to rerun job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to rerun job",
		})
		return
	}

	if err := h.publishJob(c, job.JobID); err != nil {
		h.logger.Error("Failed to publish rerun message",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job rerun requested",
		slog.String("job_id", job.JobID),
	)

	c.JSON(http.StatusAccepted, dto.FromModel(job))
}

// CreateUploadURL handles POST /api/v1/uploads
// Mints a fresh video reference and the PUT target for uploading it
func (h *JobHandler) CreateUploadURL(c *gin.Context) {
	key := uuid.New().String() + ".mp4"
	uploadURL := fmt.Sprintf("%s/%s", h.defaults.UploadBaseURL, key)

	c.JSON(http.StatusCreated, dto.UploadURLResponse{
		VideoRef:  uploadURL,
		UploadURL: uploadURL,
	})
}
